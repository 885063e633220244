package observe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup creates both metrics and tracing infrastructure for middleware tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	// Metrics.
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// Tracing.
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

// serve routes one request through an echo instance wearing the middleware.
func serve(m *Metrics, method, route string, h echo.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	e := echo.New()
	e.Use(Middleware(m))
	e.Add(method, route, h)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	var capturedCID string
	rec := serve(m, http.MethodGet, "/webhook", func(c echo.Context) error {
		capturedCID = CorrelationID(c.Request().Context())
		return c.NoContent(http.StatusOK)
	}, httptest.NewRequest(http.MethodGet, "/webhook", nil))

	if capturedCID == "" {
		t.Error("middleware did not set correlation ID in context")
	}
	if len(capturedCID) != 32 {
		t.Errorf("generated correlation ID length = %d, want 32", len(capturedCID))
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != capturedCID {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, capturedCID)
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	m, _, _ := testSetup(t)
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	rec := serve(m, http.MethodGet, "/webhook", ok, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if got := rec.Header().Get(RequestIDHeader); len(got) != 36 {
		t.Errorf("generated request id = %q, want a uuid", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	req.Header.Set(RequestIDHeader, "delivery-42")
	rec = serve(m, http.MethodGet, "/webhook", ok, req)
	if got := rec.Header().Get(RequestIDHeader); got != "delivery-42" {
		t.Errorf("request id = %q, want %q", got, "delivery-42")
	}
}

func TestMiddleware_CreatesSpanNamedAfterRoute(t *testing.T) {
	m, _, exp := testSetup(t)

	serve(m, http.MethodGet, "/media/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, httptest.NewRequest(http.MethodGet, "/media/123", nil))

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("middleware did not create a span")
	}
	if spans[0].Name != "HTTP GET /media/:id" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /media/:id")
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	m, reader, _ := testSetup(t)

	serve(m, http.MethodPost, "/webhook", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, httptest.NewRequest(http.MethodPost, "/webhook", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	met := findMetric(rm, "voicebot.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}

	foundMethod, foundPath := false, false
	for _, kv := range dp.Attributes.ToSlice() {
		if string(kv.Key) == "method" && kv.Value.AsString() == "POST" {
			foundMethod = true
		}
		if string(kv.Key) == "path" && kv.Value.AsString() == "/webhook" {
			foundPath = true
		}
	}
	if !foundMethod {
		t.Error("missing method attribute")
	}
	if !foundPath {
		t.Error("missing path attribute")
	}
}

func TestMiddleware_CapturesStatusCode(t *testing.T) {
	m, _, exp := testSetup(t)

	rec := serve(m, http.MethodGet, "/webhook", func(c echo.Context) error {
		return c.String(http.StatusForbidden, "forbidden")
	}, httptest.NewRequest(http.MethodGet, "/webhook", nil))

	if rec.Code != http.StatusForbidden {
		t.Errorf("response status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 403 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code attribute")
	}
}

func TestMiddleware_HandlerErrorIsRendered(t *testing.T) {
	m, _, _ := testSetup(t)

	rec := serve(m, http.MethodGet, "/webhook", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, errors.New("bad").Error())
	}, httptest.NewRequest(http.MethodGet, "/webhook", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("response status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	m, _, _ := testSetup(t)

	var capturedCID string
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := serve(m, http.MethodGet, "/webhook", func(c echo.Context) error {
		capturedCID = CorrelationID(c.Request().Context())
		return c.NoContent(http.StatusOK)
	}, req)

	if capturedCID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("correlation ID = %q, want %q", capturedCID, "4bf92f3577b34da6a3ce929d0e0e4736")
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, "4bf92f3577b34da6a3ce929d0e0e4736")
	}
}
