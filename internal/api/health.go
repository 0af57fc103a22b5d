package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

type healthResponse struct {
	Status                 string     `json:"status"`
	QueueDepth             int64      `json:"queue_depth"`
	Processing             int64      `json:"processing"`
	Failed                 int64      `json:"failed"`
	Completed              int64      `json:"completed"`
	OldestQueuedAgeSeconds float64    `json:"oldest_queued_age_seconds"`
	LastHeartbeat          *time.Time `json:"last_heartbeat"`
	Workers                int        `json:"workers"`
}

// Health reports queue depth, the age of the oldest waiting job and worker
// liveness. It answers 503 when the queue store is down or no worker has
// sent a heartbeat recently.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		h.Log.Warn("health check: queue unavailable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}

	resp := healthResponse{
		Status:                 "ok",
		QueueDepth:             stats.Depth,
		Processing:             stats.Processing,
		Failed:                 stats.Failed,
		Completed:              stats.Completed,
		OldestQueuedAgeSeconds: stats.OldestQueuedAge.Seconds(),
		Workers:                stats.Workers,
	}
	if !stats.LastHeartbeat.IsZero() {
		hb := stats.LastHeartbeat
		resp.LastHeartbeat = &hb
	}

	code := http.StatusOK
	if h.HeartbeatStaleAfter > 0 &&
		(stats.LastHeartbeat.IsZero() || time.Since(stats.LastHeartbeat) > h.HeartbeatStaleAfter) {
		resp.Status = "no_live_worker"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, resp)
}
