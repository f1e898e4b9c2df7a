package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reverie/api/internal/scheduler"
)

type fakeSweeper struct {
	report scheduler.Report
	err    error
	calls  int
}

func (f *fakeSweeper) Sweep(context.Context, time.Time) (scheduler.Report, error) {
	f.calls++
	return f.report, f.err
}

func newTestServer(t *testing.T, fs *fakeStore, fm *fakeModel, opts HTTPServerOptions) *httptest.Server {
	t.Helper()
	if fm == nil {
		fm = &fakeModel{replyText: "Hello."}
	}
	service := NewService(fs, fm, ServiceOptions{})
	server := httptest.NewServer(NewHTTPServer(service, opts).Handler())
	t.Cleanup(server.Close)
	return server
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeStore{}, nil, HTTPServerOptions{})

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyReportsDatabase(t *testing.T) {
	fs := &fakeStore{ping: func(context.Context) error { return context.DeadlineExceeded }}
	server := newTestServer(t, fs, nil, HTTPServerOptions{})

	resp, err := http.Get(server.URL + "/api/ready")
	if err != nil {
		t.Fatalf("GET /api/ready: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestReplyEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeStore{}, &fakeModel{replyText: "She nods slowly."}, HTTPServerOptions{})

	resp, err := http.Post(server.URL+"/api/reply", "application/json",
		strings.NewReader(`{"characterId":"char-1","message":"hello"}`))
	if err != nil {
		t.Fatalf("POST /api/reply: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var result ReplyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.AssistantMessage != "She nods slowly." {
		t.Fatalf("assistant message = %q", result.AssistantMessage)
	}
	if !result.PatchOK {
		t.Fatalf("patchOk = false, error %q", result.PatchError)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("response must carry a request id")
	}
}

func TestReplyEndpointRejectsBadJSON(t *testing.T) {
	server := newTestServer(t, &fakeStore{}, nil, HTTPServerOptions{})

	resp, err := http.Post(server.URL+"/api/reply", "application/json",
		strings.NewReader(`{"characterId": `))
	if err != nil {
		t.Fatalf("POST /api/reply: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSweepRequiresToken(t *testing.T) {
	sweeper := &fakeSweeper{report: scheduler.Report{Considered: 2, ScheduleOK: 1}}
	server := newTestServer(t, &fakeStore{}, nil, HTTPServerOptions{
		Sweeper:    sweeper,
		SweepToken: "sweep-secret",
	})

	resp, err := http.Post(server.URL+"/api/scheduler/sweep", "application/json", nil)
	if err != nil {
		t.Fatalf("POST sweep: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}
	if sweeper.calls != 0 {
		t.Fatal("unauthorized request must not sweep")
	}

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/scheduler/sweep", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Sweep-Token", "sweep-secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST sweep with token: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d", resp.StatusCode)
	}
	var report scheduler.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Considered != 2 || report.ScheduleOK != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestScheduleControlEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeStore{}, nil, HTTPServerOptions{})

	resp, err := http.Post(server.URL+"/api/conversations/cv-1/schedule", "application/json",
		strings.NewReader(`{"action":"pause"}`))
	if err != nil {
		t.Fatalf("POST schedule: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var result ScheduleResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ScheduleState != "PAUSE" {
		t.Fatalf("schedule state = %q", result.ScheduleState)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server := newTestServer(t, &fakeStore{}, nil, HTTPServerOptions{})

	resp, err := http.Get(server.URL + "/api/unknown")
	if err != nil {
		t.Fatalf("GET unknown: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("body = %v", body)
	}
}
