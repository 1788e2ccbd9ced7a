package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTransitionCounter(t *testing.T) {
	before := testutil.ToFloat64(transitions.WithLabelValues("active", "awaiting_confirmation"))
	ObserveTransition("active", "awaiting_confirmation")
	after := testutil.ToFloat64(transitions.WithLabelValues("active", "awaiting_confirmation"))
	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", after-before)
	}
}

func TestHandlerRendersDomainMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/escrows", http.MethodPost, 500, 30*time.Millisecond)
	ObserveSettlement("completed", "issued")
	ObserveResolution("quorum_consensus", "pay_worker", 90*time.Second)
	SetStuck(2)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`escrow_http_request_errors_total{handler="/api/v1/escrows",method="POST"}`,
		`escrow_settlements_total{result="issued",target="completed"}`,
		`escrow_dispute_resolution_seconds_count{kind="quorum_consensus"}`,
		`escrow_stuck_settlements 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
