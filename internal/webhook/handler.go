// Package webhook receives delivery callbacks from email providers and
// forwards them to the delivery tracker.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"MailQueue/internal/metrics"
	"MailQueue/internal/tracker"
)

const maxBodyBytes = 1 << 20

// EventHandler applies one provider event. *tracker.Tracker implements it.
type EventHandler interface {
	HandleProviderEvent(ctx context.Context, ev tracker.Event) (tracker.Outcome, error)
}

// Deduper suppresses events already handled. *dedup.Filter implements it.
type Deduper interface {
	IsNew(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type parsedEvent struct {
	tracker.Event
	name      string
	supported bool
}

// Result is the response body of a webhook call.
type Result struct {
	Processed   int      `json:"processed_events"`
	Applied     int      `json:"applied_events"`
	Ignored     int      `json:"ignored_events"`
	Duplicates  int      `json:"duplicate_events"`
	Unmatched   int      `json:"unmatched_events"`
	Failed      int      `json:"failed_events"`
	Unsupported int      `json:"unsupported_events"`
	Errors      []string `json:"errors,omitempty"`
}

type Handler struct {
	events EventHandler
	dedup  Deduper
	secret []byte
	log    *zap.Logger
}

// NewHandler builds the webhook handler. dedup may be nil. An empty secret
// disables signature checks.
func NewHandler(events EventHandler, dedup Deduper, secret string, logger *zap.Logger) *Handler {
	h := &Handler{
		events: events,
		dedup:  dedup,
		log:    logger,
	}
	if secret != "" {
		h.secret = []byte(secret)
	}
	return h
}

// Register mounts the webhook routes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/webhooks/email", h.ServeGeneric).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/sendgrid", h.ServeSendGrid).Methods(http.MethodPost)
}

func (h *Handler) ServeGeneric(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "generic", parseGeneric)
}

func (h *Handler) ServeSendGrid(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "sendgrid", parseSendGrid)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, dialect string, parse func([]byte) ([]parsedEvent, error)) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.log.Warn("read webhook body", zap.String("dialect", dialect), zap.Error(err))
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !h.verify(r, body) {
		h.log.Warn("webhook signature rejected", zap.String("dialect", dialect))
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	events, err := parse(body)
	if err != nil {
		h.log.Warn("malformed webhook payload", zap.String("dialect", dialect), zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res := h.process(r.Context(), events)

	h.log.Info("webhook processed",
		zap.String("dialect", dialect),
		zap.Int("processed", res.Processed),
		zap.Int("applied", res.Applied),
		zap.Int("failed", res.Failed),
	)

	status := http.StatusOK
	if res.Failed > 0 {
		// a 5xx makes the provider retry the batch
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (h *Handler) process(ctx context.Context, events []parsedEvent) Result {
	res := Result{Processed: len(events)}

	for _, ev := range events {
		if !ev.supported || ev.MessageID == "" {
			res.Unsupported++
			metrics.WebhookEvents.WithLabelValues(label(ev.name), "unsupported").Inc()
			continue
		}

		key := dedupKey(ev)
		if h.dedup != nil {
			isNew, err := h.dedup.IsNew(ctx, key)
			if err != nil {
				h.log.Warn("dedup check failed, proceeding", zap.Error(err))
			} else if !isNew {
				res.Duplicates++
				metrics.WebhookEvents.WithLabelValues(ev.name, "duplicate").Inc()
				continue
			}
		}

		outcome, err := h.events.HandleProviderEvent(ctx, ev.Event)
		if err != nil {
			h.log.Error("apply provider event",
				zap.String("message_id", ev.MessageID),
				zap.String("event", ev.name),
				zap.Error(err),
			)
			res.Failed++
			res.Errors = append(res.Errors, "failed to apply "+ev.name+" for "+ev.MessageID)
			metrics.WebhookEvents.WithLabelValues(ev.name, "error").Inc()
			h.forget(ctx, key)
			continue
		}

		switch outcome {
		case tracker.OutcomeApplied:
			res.Applied++
		case tracker.OutcomeUnmatched:
			// the send may not be recorded yet; a provider retry must get through
			h.forget(ctx, key)
			res.Unmatched++
		default:
			res.Ignored++
		}
		metrics.WebhookEvents.WithLabelValues(ev.name, string(outcome)).Inc()
	}

	return res
}

func (h *Handler) forget(ctx context.Context, key string) {
	if h.dedup == nil {
		return
	}
	if err := h.dedup.Forget(ctx, key); err != nil {
		h.log.Warn("dedup forget failed", zap.Error(err))
	}
}

// verify checks the hex HMAC-SHA256 of the body, optionally prefixed with
// "sha256=", in X-Webhook-Signature or X-Hub-Signature-256.
func (h *Handler) verify(r *http.Request, body []byte) bool {
	if h.secret == nil {
		return true
	}

	sig := r.Header.Get("X-Webhook-Signature")
	if sig == "" {
		sig = r.Header.Get("X-Hub-Signature-256")
	}
	sig = strings.TrimPrefix(strings.TrimSpace(sig), "sha256=")
	if sig == "" {
		return false
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func dedupKey(ev parsedEvent) string {
	return ev.MessageID + "|" + string(ev.Status) + "|" + strconv.FormatInt(ev.Timestamp.Unix(), 10)
}

// label keeps unknown provider event names out of metric cardinality.
func label(name string) string {
	if name == "" {
		return "unknown"
	}
	if _, ok := genericStatuses[name]; ok {
		return name
	}
	if _, ok := sendGridStatuses[name]; ok {
		return name
	}
	return "other"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
