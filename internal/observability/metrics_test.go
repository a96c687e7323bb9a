package observability

import (
	"testing"
	"time"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/v0/offices/{id}/price", 200, 12*time.Millisecond)
	RecordOperation("buy", "ok")
	RecordWebhookDelivery("office.bought", true)
}
