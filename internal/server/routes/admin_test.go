package routes

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/pipeline"
)

type fakeService struct {
	stats    pipeline.Stats
	report   pipeline.PreloadReport
	hold     bool
	err      error
	received []string
}

func (f *fakeService) Stats() pipeline.Stats {
	return f.stats
}

func (f *fakeService) Preload(locators []string, done func(pipeline.PreloadReport)) error {
	if f.err != nil {
		return f.err
	}
	f.received = append([]string(nil), locators...)
	if !f.hold {
		go done(f.report)
	}
	return nil
}

type fakeMemory uint64

func (m fakeMemory) Evicted() uint64 { return uint64(m) }

func newTestApp(t *testing.T, svc Service, timeout time.Duration) *fiber.App {
	t.Helper()
	app := fiber.New()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	RegisterAdminRoutes(app, svc, fakeMemory(7), logger, timeout)
	return app
}

func TestStatsEndpoint(t *testing.T) {
	svc := &fakeService{stats: pipeline.Stats{MemoryHits: 3, Fetches: 2, InFlight: 1}}
	app := newTestApp(t, svc, time.Second)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/stats", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload["memory_hits"].(float64) != 3 || payload["fetches"].(float64) != 2 {
		t.Fatalf("unexpected stats payload: %v", payload)
	}
	if payload["memory_evicted"].(float64) != 7 {
		t.Fatalf("expected memory_evicted 7, got %v", payload["memory_evicted"])
	}
}

func TestPreloadEndpointWaitsForReport(t *testing.T) {
	svc := &fakeService{report: pipeline.PreloadReport{
		Requested: 2,
		Succeeded: 1,
		Failed:    []string{"https://img.example.com/b.png"},
	}}
	app := newTestApp(t, svc, time.Second)

	req := httptest.NewRequest("POST", "/-/preload", strings.NewReader(`{"urls":["https://img.example.com/a.png"," https://img.example.com/b.png ",""]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload preloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.Requested != 2 || payload.Succeeded != 1 || payload.Failed != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(svc.received) != 2 || svc.received[1] != "https://img.example.com/b.png" {
		t.Fatalf("预热地址应去空白并剔除空串: %#v", svc.received)
	}
}

func TestPreloadEndpointRejectsBadInput(t *testing.T) {
	app := newTestApp(t, &fakeService{}, time.Second)

	for _, body := range []string{`{"urls":[]}`, `not json`} {
		req := httptest.NewRequest("POST", "/-/preload", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestPreloadEndpointTimesOut(t *testing.T) {
	app := newTestApp(t, &fakeService{hold: true}, 20*time.Millisecond)

	req := httptest.NewRequest("POST", "/-/preload", strings.NewReader(`{"urls":["https://img.example.com/a.png"]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
}

func TestPreloadEndpointWhenClosed(t *testing.T) {
	app := newTestApp(t, &fakeService{err: pipeline.ErrClosed}, time.Second)

	req := httptest.NewRequest("POST", "/-/preload", strings.NewReader(`{"urls":["https://img.example.com/a.png"]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
