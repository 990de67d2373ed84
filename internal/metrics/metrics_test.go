package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	tests := map[string]string{
		"":                           "/",
		"/":                          "/",
		"/healthz":                   "/healthz",
		"/v1/rewards/settlements":    "/v1/rewards/settlements",
		"/v1/audit/abc-123":          "/v1/audit/:id",
		"/v1/audit/abc/verify":       "/v1/audit/:id/verify",
		"/v1/certificates/c1/offset": "/v1/certificates/:id/offset",
	}
	for in, want := range tests {
		if got := canonicalPath(in); got != want {
			t.Errorf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecordSettlementCountsUnitsOnSuccess(t *testing.T) {
	before := testutil.ToFloat64(settledUnits.WithLabelValues("retire"))
	RecordSettlement("retire", "success", 6000)
	RecordSettlement("retire", "EXCEEDS_OUTSTANDING", 100)
	after := testutil.ToFloat64(settledUnits.WithLabelValues("retire"))
	if after-before != 6000 {
		t.Fatalf("units delta = %v", after-before)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	RecordDelivery("single-path", "rpc", "confirmed", map[string]int64{"sign": 12})

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "settlement_layer_delivery_attempts_total") {
		t.Fatal("delivery counter missing from exposition")
	}
}

func TestInstrumentHandlerRecordsStatus(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/healthz", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/healthz", "418"))
	if after-before != 1 {
		t.Fatalf("request counter delta = %v", after-before)
	}
}
