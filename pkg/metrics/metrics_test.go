package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := NewPrometheusRecorder()

	r.RunStarted("claude")
	r.RunStarted("claude")
	r.RunEnded("claude", OutcomeStopped)
	r.EventPublished("text")
	r.EventPublished("text")
	r.FeatureUpdate(OutcomeSuccess)
	r.FeatureRestored()

	if got := testutil.ToFloat64(r.runsActive.WithLabelValues("claude")); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.runsTotal.WithLabelValues("claude", OutcomeStopped)); got != 1 {
		t.Errorf("stopped runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.eventsTotal.WithLabelValues("text")); got != 2 {
		t.Errorf("text events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.featureRestores); got != 1 {
		t.Errorf("restores = %v, want 1", got)
	}
}

func TestWriteText(t *testing.T) {
	r := NewPrometheusRecorder()
	r.ObserveTurn("codex", "gpt-5-codex", OutcomeSuccess, 3*time.Second)
	r.ObserveProbe("codex", "path", true, 10*time.Millisecond)
	r.FeatureUpdate(OutcomeRejected)

	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"conductor_turn_duration_seconds_count",
		`conductor_probe_duration_seconds_count{probe="path",provider="codex",result="hit"} 1`,
		`conductor_feature_updates_total{outcome="rejected"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRecordersAreIndependent(t *testing.T) {
	a := NewPrometheusRecorder()
	b := NewPrometheusRecorder()
	a.FeatureRestored()
	if got := testutil.ToFloat64(b.featureRestores); got != 0 {
		t.Errorf("recorders share state: %v", got)
	}
}
