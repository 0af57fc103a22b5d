// Package api is the HTTP surface of the email service: enqueueing jobs,
// looking up jobs and deliveries, the admin report and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"MailQueue/internal/csvparser"
	"MailQueue/internal/models"
	"MailQueue/internal/queue"
	"MailQueue/internal/tracker"
)

const maxBodyBytes = 1 << 20

type JobQueue interface {
	Enqueue(ctx context.Context, job *models.EmailJob, opts ...queue.EnqueueOption) (string, error)
	Get(ctx context.Context, id string) (*models.EmailJob, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

type Deliveries interface {
	Latest(ctx context.Context, jobID string) (*models.EmailDelivery, error)
	History(ctx context.Context, jobID string) ([]models.DeliveryEvent, error)
	Report(ctx context.Context, since time.Time) (*tracker.Report, error)
}

// Routes is implemented by handlers mounted next to the API, such as the
// provider webhooks.
type Routes interface {
	Register(r *mux.Router)
}

type Handler struct {
	Queue      JobQueue
	Deliveries Deliveries
	Log        *zap.Logger

	// HeartbeatStaleAfter marks the service unhealthy when no worker has
	// reported for longer. Zero disables the check.
	HeartbeatStaleAfter time.Duration
	// MaxBulkRows caps CSV uploads.
	MaxBulkRows int
}

// Router builds the API routes plus any extra route sets.
func (h *Handler) Router(extra ...Routes) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/emails", h.SendEmail).Methods(http.MethodPost)
	r.HandleFunc("/emails/bulk", h.SendBulk).Methods(http.MethodPost)
	r.HandleFunc("/emails/{id}", h.GetEmail).Methods(http.MethodGet)
	r.HandleFunc("/deliveries/{jobID}", h.GetDelivery).Methods(http.MethodGet)
	r.HandleFunc("/admin/deliveries/report", h.DeliveryReport).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	for _, e := range extra {
		e.Register(r)
	}
	return r
}

type sendRequest struct {
	Recipient    string         `json:"recipient"`
	Subject      string         `json:"subject"`
	Template     string         `json:"template"`
	Vars         map[string]any `json:"vars"`
	Priority     string         `json:"priority"`
	DelaySeconds int            `json:"delay_seconds"`
}

func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req sendRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, "delay_seconds must not be negative")
		return
	}

	job := &models.EmailJob{
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Template:  req.Template,
		Vars:      req.Vars,
		Priority:  models.Priority(req.Priority),
	}

	var opts []queue.EnqueueOption
	if req.DelaySeconds > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(req.DelaySeconds)*time.Second))
	}

	id, err := h.Queue.Enqueue(r.Context(), job, opts...)
	if err != nil {
		h.enqueueError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     id,
		"status": models.StatusQueued,
	})
}

type rejectedRow struct {
	Line  int    `json:"line"`
	Email string `json:"email"`
	Error string `json:"error"`
}

// SendBulk enqueues one job per row of a CSV body. Subject, template and
// priority come from the query string; columns other than Email become
// template variables.
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	priority, err := models.ParsePriority(q.Get("priority"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := csvparser.ParseRecipientRows(http.MaxBytesReader(w, r.Body, maxBodyBytes), h.MaxBulkRows)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid CSV: "+err.Error())
		return
	}

	jobs := csvparser.Jobs(rows, q.Get("subject"), q.Get("template"), priority)

	ids := make([]string, 0, len(jobs))
	var rejected []rejectedRow
	for i, job := range jobs {
		id, err := h.Queue.Enqueue(r.Context(), job)
		if err != nil {
			var verr *models.ValidationError
			if errors.As(err, &verr) {
				rejected = append(rejected, rejectedRow{Line: rows[i].Line, Email: rows[i].Email, Error: verr.Error()})
				continue
			}
			h.Log.Error("bulk enqueue aborted", zap.Int("enqueued", len(ids)), zap.Error(err))
			h.enqueueError(w, err)
			return
		}
		ids = append(ids, id)
	}

	h.Log.Info("bulk enqueue",
		zap.Int("enqueued", len(ids)),
		zap.Int("rejected", len(rejected)),
	)

	status := http.StatusAccepted
	if len(ids) == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{
		"ids":      ids,
		"rejected": rejected,
	})
}

func (h *Handler) GetEmail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.Queue.Get(r.Context(), id)
	if errors.Is(err, models.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "email job not found")
		return
	}
	if err != nil {
		h.Log.Error("get email job", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "email queue unavailable")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]

	d, err := h.Deliveries.Latest(r.Context(), jobID)
	if errors.Is(err, models.ErrDeliveryNotFound) {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if err != nil {
		h.Log.Error("get delivery", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load delivery")
		return
	}

	events, err := h.Deliveries.History(r.Context(), jobID)
	if err != nil {
		h.Log.Error("get delivery history", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load delivery")
		return
	}
	if events == nil {
		events = []models.DeliveryEvent{}
	}

	writeJSON(w, http.StatusOK, deliveryResponse{EmailDelivery: d, Events: events})
}

// deliveryResponse is the latest delivery record of a job plus the event
// history of all its records.
type deliveryResponse struct {
	*models.EmailDelivery
	Events []models.DeliveryEvent `json:"events"`
}

// DeliveryReport summarises deliveries since ?since= (RFC 3339), by
// default the last 24 hours.
func (h *Handler) DeliveryReport(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	report, err := h.Deliveries.Report(r.Context(), since)
	if err != nil {
		h.Log.Error("delivery report", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) enqueueError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  verr.Error(),
			"fields": verr.Fields,
		})
	case errors.Is(err, models.ErrQueueUnavailable):
		h.Log.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "email queue unavailable")
	default:
		h.Log.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue email")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
