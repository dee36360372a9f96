package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"rai/internal/agent"
)

func TestCollector_ContextEvents(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.Compressed(agent.CompressionEvent{Tier: "gpt-4", TokensBefore: 8000, TokensAfter: 500, Summarized: 12})
	c.Compressed(agent.CompressionEvent{Tier: "gpt-4", TokensBefore: 7600, TokensAfter: 400, Summarized: 3})
	c.TierChanged("gpt-4", "gpt-4-32k")
	c.InjectionBlocked(40000, 31500)

	if got := testutil.ToFloat64(c.compressions.WithLabelValues("gpt-4")); got != 2 {
		t.Errorf("compressions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.tierChanges.WithLabelValues("gpt-4", "gpt-4-32k")); got != 1 {
		t.Errorf("tier changes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.injectionsBlocked); got != 1 {
		t.Errorf("injections blocked = %v, want 1", got)
	}
}

func TestCollector_Completions(t *testing.T) {
	c := NewCollector(nil)

	c.RecordCompletion("gpt-3.5-turbo", nil, 300*time.Millisecond)
	c.RecordCompletion("gpt-3.5-turbo", errors.New("boom"), time.Second)
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()

	if got := testutil.ToFloat64(c.completions.WithLabelValues("gpt-3.5-turbo", "success")); got != 1 {
		t.Errorf("successful completions = %v", got)
	}
	if got := testutil.ToFloat64(c.completions.WithLabelValues("gpt-3.5-turbo", "error")); got != 1 {
		t.Errorf("failed completions = %v", got)
	}
	if got := testutil.ToFloat64(c.activeSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(nil)
	c.TierChanged("gpt-3.5-turbo", "gpt-3.5-turbo-16k")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `rai_context_tier_changes_total{from="gpt-3.5-turbo",to="gpt-3.5-turbo-16k"} 1`) {
		t.Errorf("exposition missing tier change:\n%s", body)
	}
}
