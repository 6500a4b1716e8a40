package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesObservedCounters(t *testing.T) {
	m := New()
	m.ObservePostFetched("36kr", "weixin")
	m.ObservePostOrganized("llm-tech-products", "high")
	m.ObservePostDropped("organize", "skip")
	m.ObserveLLMRetry()

	timer := m.StageTimer("enrich")
	timer()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"crawler_posts_fetched_total",
		"crawler_posts_organized_total",
		"crawler_posts_dropped_total",
		"crawler_llm_retries_total 1",
		"crawler_stage_duration_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics body to contain %q, got:\n%s", want, body)
		}
	}
}

func TestIndependentRegistriesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.ObservePostFetched("x", "web")
	b.ObservePostFetched("y", "web")
}
