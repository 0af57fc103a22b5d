package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitRegistersCollectors(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Init panicked: %v", r)
		}
	}()
	Init()

	// Registering again must fail, which proves the first call took effect.
	if err := prometheus.Register(EmailsSent); err == nil {
		t.Fatal("expected EmailsSent to be registered already")
	}

	QueueDepth.Set(4)
	expected := `
# HELP email_queue_depth Jobs waiting in the queue at the last stats read
# TYPE email_queue_depth gauge
email_queue_depth 4
`
	if err := testutil.GatherAndCompare(prometheus.DefaultGatherer, strings.NewReader(expected), "email_queue_depth"); err != nil {
		t.Fatal(err)
	}
}

func TestLabelledCounters(t *testing.T) {
	WebhookEvents.Reset()
	defer WebhookEvents.Reset()

	WebhookEvents.WithLabelValues("delivered", "applied").Inc()
	WebhookEvents.WithLabelValues("delivered", "ignored").Add(2)

	if v := testutil.ToFloat64(WebhookEvents.WithLabelValues("delivered", "ignored")); v != 2 {
		t.Fatalf("expected 2 ignored events, got %v", v)
	}
	if n := testutil.CollectAndCount(WebhookEvents); n != 2 {
		t.Fatalf("expected 2 label sets, got %d", n)
	}

	before := testutil.ToFloat64(EmailFailures.WithLabelValues("timeout"))
	EmailFailures.WithLabelValues("timeout").Inc()
	if v := testutil.ToFloat64(EmailFailures.WithLabelValues("timeout")); v != before+1 {
		t.Fatalf("expected timeout failures to grow by 1, got %v", v-before)
	}
}
