package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestMetricsInstancesAreIndependent(t *testing.T) {
	a := NewMetrics("carevoice")
	b := NewMetrics("carevoice")

	a.TurnOutcomes.WithLabelValues("text", "ok").Inc()
	a.ObserveGeneration(1200 * time.Millisecond)
	b.SessionEvents.WithLabelValues("ended").Inc()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	if !strings.Contains(text, `carevoice_turns_total{outcome="ok",source="text"} 1`) {
		t.Fatalf("metrics output missing turn counter:\n%s", text)
	}
	if strings.Contains(text, `carevoice_session_events_total{event="ended"}`) {
		t.Fatalf("metrics output leaked another instance's counter")
	}

	snap := a.TurnStageSnapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != "generation" || snap.Stages[0].LastMS != 1200 {
		t.Fatalf("stage snapshot = %+v", snap.Stages)
	}
	a.ResetTurnStages()
	if got := len(a.TurnStageSnapshot().Stages); got != 0 {
		t.Fatalf("len(Stages) after reset = %d, want 0", got)
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		logger, err := NewLogger("debug", format)
		if err != nil {
			t.Fatalf("NewLogger(%q) error = %v", format, err)
		}
		if !logger.Core().Enabled(zapcore.DebugLevel) {
			t.Fatalf("NewLogger(debug) does not enable debug level")
		}
	}
	logger, err := NewLogger("nonsense", "json")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("unknown level enabled debug logging, want info")
	}
}
