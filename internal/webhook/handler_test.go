package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"MailQueue/internal/dedup"
	"MailQueue/internal/models"
	"MailQueue/internal/tracker"
)

type fixture struct {
	tracker *tracker.Tracker
	router  *mux.Router
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tr := tracker.New(tracker.NewMemoryStore(), logger)
	_, err := tr.RecordAttempt(context.Background(), tracker.Attempt{
		JobID:             "job-1",
		ProviderMessageID: "msg-1",
		Recipient:         "a@example.com",
		Status:            models.DeliverySent,
		Attempts:          1,
	})
	require.NoError(t, err)

	r := mux.NewRouter()
	NewHandler(tr, dedup.NewFilter(rdb, "test", time.Hour), secret, logger).Register(r)

	return &fixture{tracker: tr, router: r}
}

func (f *fixture) post(t *testing.T, path, body string, headers map[string]string) (*httptest.ResponseRecorder, Result) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	var res Result
	if rr.Code == http.StatusOK || rr.Code == http.StatusInternalServerError {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	}
	return rr, res
}

func (f *fixture) status(t *testing.T) models.DeliveryStatus {
	t.Helper()
	d, err := f.tracker.Latest(context.Background(), "job-1")
	require.NoError(t, err)
	return d.Status
}

func TestServeGeneric_Shapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"single object", `{"message_id":"msg-1","event":"delivered","timestamp":1700000000}`},
		{"array", `[{"message_id":"msg-1","event":"delivered","timestamp":"2026-03-01T12:00:00Z"}]`},
		{"envelope", `{"events":[{"message_id":"<msg-1>","event":"DELIVERED","timestamp":"1700000000"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")

			rr, res := f.post(t, "/webhooks/email", tt.body, nil)
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, 1, res.Processed)
			assert.Equal(t, 1, res.Applied)
			assert.Equal(t, models.DeliveryDelivered, f.status(t))
		})
	}
}

func TestServeGeneric_OutOfOrder(t *testing.T) {
	f := newFixture(t, "")

	rr, res := f.post(t, "/webhooks/email", `[
		{"message_id":"msg-1","event":"bounced","timestamp":1700000000,"reason":"550 unknown user"},
		{"message_id":"msg-1","event":"delivered","timestamp":1700000010}
	]`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Ignored)

	d, err := f.tracker.Latest(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryBounced, d.Status)
	assert.Equal(t, "550 unknown user", d.FailureReason)
	assert.Nil(t, d.DeliveredAt)
}

func TestServeGeneric_DuplicatesAndUnknown(t *testing.T) {
	f := newFixture(t, "")
	body := `{"message_id":"msg-1","event":"opened","timestamp":1700000000}`

	_, res := f.post(t, "/webhooks/email", body, nil)
	assert.Equal(t, 1, res.Applied)

	_, res = f.post(t, "/webhooks/email", body, nil)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 0, res.Applied)

	rr, res := f.post(t, "/webhooks/email", `[
		{"message_id":"msg-404","event":"delivered","timestamp":1700000000},
		{"message_id":"msg-1","event":"clicked","timestamp":1700000000}
	]`, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, res.Unmatched)
	assert.Equal(t, 1, res.Unsupported)
}

func TestServeGeneric_Malformed(t *testing.T) {
	f := newFixture(t, "")

	for _, body := range []string{``, `not json`, `{"message_id": 7}`, `{"message_id":"m","event":"delivered","timestamp":"yesterday"}`} {
		rr, _ := f.post(t, "/webhooks/email", body, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
}

func TestServeGeneric_Signature(t *testing.T) {
	secret := "s3cret"
	f := newFixture(t, secret)
	body := `{"message_id":"msg-1","event":"delivered","timestamp":1700000000}`

	rr, _ := f.post(t, "/webhooks/email", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, _ = f.post(t, "/webhooks/email", body, map[string]string{"X-Webhook-Signature": Sign([]byte("wrong"), []byte(body))})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, _ = f.post(t, "/webhooks/email", body, map[string]string{"X-Webhook-Signature": "zz-not-hex"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, res := f.post(t, "/webhooks/email", body, map[string]string{"X-Webhook-Signature": Sign([]byte(secret), []byte(body))})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, res.Applied)

	// bare hex in the GitHub-style header
	sig := strings.TrimPrefix(Sign([]byte(secret), []byte(body)), "sha256=")
	rr, _ = f.post(t, "/webhooks/email", body, map[string]string{"X-Hub-Signature-256": sig})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServeSendGrid(t *testing.T) {
	f := newFixture(t, "")

	rr, res := f.post(t, "/webhooks/sendgrid", `[
		{"email":"a@example.com","event":"processed","timestamp":1700000000,"smtp-id":"<msg-1>","sg_message_id":"sg1.filter0001"},
		{"email":"a@example.com","event":"deferred","timestamp":1700000005,"smtp-id":"<msg-1>"},
		{"email":"a@example.com","event":"delivered","timestamp":1700000010,"smtp-id":"<msg-1>"},
		{"email":"a@example.com","event":"open","timestamp":1700000020,"sg_message_id":"msg-1.filter0002"}
	]`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Ignored, "processed after sent is not forward")
	assert.Equal(t, 1, res.Unsupported)
	assert.Equal(t, models.DeliveryOpened, f.status(t))
}

type failingEvents struct{}

func (failingEvents) HandleProviderEvent(context.Context, tracker.Event) (tracker.Outcome, error) {
	return "", errors.New("database is down")
}

type memDedup struct{ seen map[string]bool }

func (d *memDedup) IsNew(_ context.Context, key string) (bool, error) {
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *memDedup) Forget(_ context.Context, key string) error {
	delete(d.seen, key)
	return nil
}

func TestServe_StoreFailure(t *testing.T) {
	dd := &memDedup{seen: map[string]bool{}}
	h := NewHandler(failingEvents{}, dd, "", zaptest.NewLogger(t))

	body := `{"message_id":"msg-1","event":"delivered","timestamp":1700000000}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/email", strings.NewReader(body))
		rr := httptest.NewRecorder()
		h.ServeGeneric(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "database is down")

		var res Result
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
		assert.Equal(t, 1, res.Failed, "retry is not treated as a duplicate")
	}
	assert.Empty(t, dd.seen)
}

func TestServe_UnmatchedEventIsRetried(t *testing.T) {
	logger := zaptest.NewLogger(t)
	tr := tracker.New(tracker.NewMemoryStore(), logger)
	dd := &memDedup{seen: map[string]bool{}}
	h := NewHandler(tr, dd, "", logger)

	body := `{"message_id":"msg-1","event":"delivered","timestamp":1700000000}`
	post := func() Result {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/email", strings.NewReader(body))
		rr := httptest.NewRecorder()
		h.ServeGeneric(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		var res Result
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
		return res
	}

	// the callback beats the worker's record of the send
	res := post()
	assert.Equal(t, 1, res.Unmatched)
	assert.Empty(t, dd.seen)

	_, err := tr.RecordAttempt(context.Background(), tracker.Attempt{
		JobID:             "job-1",
		ProviderMessageID: "msg-1",
		Status:            models.DeliverySent,
		Attempts:          1,
	})
	require.NoError(t, err)

	res = post()
	assert.Equal(t, 1, res.Applied)
	assert.Zero(t, res.Duplicates)

	res = post()
	assert.Equal(t, 1, res.Duplicates)
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Time
		wantErr bool
	}{
		{``, time.Time{}, false},
		{`null`, time.Time{}, false},
		{`1700000000`, time.Unix(1700000000, 0).UTC(), false},
		{`"1700000000"`, time.Unix(1700000000, 0).UTC(), false},
		{`"2026-03-01T12:00:00+01:00"`, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), false},
		{`1.5`, time.Time{}, true},
		{`"soon"`, time.Time{}, true},
		{`true`, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseTimestamp(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}
