package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matt-riley/flagtree/flags"
	"github.com/matt-riley/flagtree/internal/catalog"
	"github.com/matt-riley/flagtree/internal/scope"
)

func newScopeService(t *testing.T) *scope.Service {
	t.Helper()

	reg := flags.NewRegistry()
	catalog.Register(reg)
	svc, err := scope.New(context.Background(), reg, scope.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("scope.New() error = %v", err)
	}
	return svc
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, opts ...HTTPOption) (http.Handler, *scope.Service) {
	t.Helper()
	svc := newScopeService(t)
	opts = append([]HTTPOption{WithHTTPLogger(discardLogger())}, opts...)
	return NewHTTPHandler(svc, opts...), svc
}

func serve(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, target, reader))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var got T
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
	}
	return got
}

func TestHTTPHandlerListFlags(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := serve(handler, http.MethodGet, "/v1/flags", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}

	defs := decode[[]scope.Definition](t, rec)
	if len(defs) != len(catalog.Defaults()) {
		t.Fatalf("definitions = %d, want %d", len(defs), len(catalog.Defaults()))
	}
	for _, d := range defs {
		if d.Name == "game-mode" && (d.Default != "SURVIVAL" || d.Example != "SURVIVAL") {
			t.Fatalf("game-mode definition = %+v", d)
		}
	}
}

func TestHTTPHandlerOverrideLifecycle(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := serve(handler, http.MethodPut, "/v1/flags/max-players?scope=world", `{"value":"420"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body = %s", rec.Code, rec.Body.String())
	}
	set := decode[resolutionJSON](t, rec)
	if set.Value != "420" || !set.Local || set.Scope != "world" || set.Kind != "MaxPlayersFlag" {
		t.Fatalf("PUT response = %+v", set)
	}

	rec = serve(handler, http.MethodGet, "/v1/flags/max-players?scope=world/nether", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := decode[resolutionJSON](t, rec)
	if got.Value != "420" || got.Local || got.Source != "world" || got.Scope != "world/nether" {
		t.Fatalf("GET response = %+v, want inherited from world", got)
	}

	rec = serve(handler, http.MethodDelete, "/v1/flags/max-players?scope=world", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	rec = serve(handler, http.MethodDelete, "/v1/flags/max-players?scope=world", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	rec = serve(handler, http.MethodGet, "/v1/flags/max-players?scope=world", "")
	if got := decode[resolutionJSON](t, rec); got.Value != "10" || got.Source != "" {
		t.Fatalf("GET after delete = %+v, want default", got)
	}
}

func TestHTTPHandlerErrors(t *testing.T) {
	handler, _ := newTestHandler(t)

	tests := []struct {
		name    string
		method  string
		target  string
		body    string
		status  int
		message string
	}{
		{"unknown flag", http.MethodGet, "/v1/flags/min-players", "", http.StatusNotFound, "unknown flag"},
		{"parse error", http.MethodPut, "/v1/flags/max-players?scope=world", `{"value":"many"}`, http.StatusBadRequest,
			`failed to parse flag of type max-players: value \"many\" was not accepted: value has to be an integer`},
		{"enum parse error", http.MethodPut, "/v1/flags/weather?scope=world", `{"value":"snow"}`, http.StatusBadRequest, "value must be one of CLEAR,RAIN,THUNDER"},
		{"root scope", http.MethodPut, "/v1/flags/max-players", `{"value":"1"}`, http.StatusBadRequest, "the root scope holds defaults only"},
		{"invalid scope", http.MethodGet, "/v1/flags/max-players?scope=a//b", "", http.StatusBadRequest, "invalid scope"},
		{"missing value", http.MethodPut, "/v1/flags/max-players?scope=world", `{}`, http.StatusBadRequest, "value is required"},
		{"unknown field", http.MethodPut, "/v1/flags/max-players?scope=world", `{"val":"1"}`, http.StatusBadRequest, "invalid JSON body"},
		{"two objects", http.MethodPut, "/v1/flags/max-players?scope=world", `{"value":"1"}{"value":"2"}`, http.StatusBadRequest, "invalid JSON body"},
		{"clear root", http.MethodDelete, "/v1/scopes/", "", http.StatusBadRequest, "the root scope holds defaults only"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(handler, tt.method, tt.target, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.message) {
				t.Fatalf("body = %s, want message containing %q", rec.Body.String(), tt.message)
			}
		})
	}
}

func TestHTTPHandlerOversizedBody(t *testing.T) {
	handler, _ := newTestHandler(t, WithMaxJSONBodySize(32))

	body := `{"value":"` + strings.Repeat("a", 64) + `"}`
	rec := serve(handler, http.MethodPut, "/v1/flags/greeting?scope=world", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if !strings.Contains(rec.Body.String(), `"error":"request body too large"`) {
		t.Fatalf("body = %q, want request body too large error", rec.Body.String())
	}
}

func TestHTTPHandlerScopes(t *testing.T) {
	handler, svc := newTestHandler(t)
	ctx := context.Background()

	if _, err := svc.SetOverride(ctx, "world/nether", "weather", "thunder"); err != nil {
		t.Fatalf("SetOverride() error = %v", err)
	}
	if _, err := svc.SetOverride(ctx, "world", "greeting", "hi"); err != nil {
		t.Fatalf("SetOverride() error = %v", err)
	}

	rec := serve(handler, http.MethodGet, "/v1/scopes", "")
	if scopes := decode[[]string](t, rec); strings.Join(scopes, ",") != "world,world/nether" {
		t.Fatalf("scopes = %v", scopes)
	}

	rec = serve(handler, http.MethodGet, "/v1/scopes/world/nether", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	values := make(map[string]resolutionJSON)
	for _, r := range decode[[]resolutionJSON](t, rec) {
		values[r.Flag] = r
	}
	if values["weather"].Value != "THUNDER" || !values["weather"].Local {
		t.Fatalf("weather = %+v, want local THUNDER", values["weather"])
	}
	if values["greeting"].Value != "hi" || values["greeting"].Source != "world" {
		t.Fatalf("greeting = %+v, want inherited hi", values["greeting"])
	}

	rec = serve(handler, http.MethodDelete, "/v1/scopes/world", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	rec = serve(handler, http.MethodGet, "/v1/flags/greeting?scope=world/nether", "")
	if got := decode[resolutionJSON](t, rec); got.Value != "welcome" {
		t.Fatalf("greeting after clear = %+v, want default", got)
	}
}

func TestHTTPHandlerServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"canceled", context.Canceled, http.StatusRequestTimeout, "request canceled"},
		{"deadline", fmt.Errorf("resolve: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "deadline exceeded"},
		{"internal", errors.New("database on fire"), http.StatusInternalServerError, "internal server error"},
		{"wrapped unknown", errors.Join(errors.New("lookup"), scope.ErrUnknownFlag), http.StatusNotFound, "unknown flag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{
				resolveFunc: func(context.Context, string, string) (scope.Resolution, error) {
					return scope.Resolution{}, tt.err
				},
			}
			handler := NewHTTPHandler(svc, WithHTTPLogger(discardLogger()))

			rec := serve(handler, http.MethodGet, "/v1/flags/max-players?scope=world", "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if body := decode[map[string]string](t, rec); body["error"] != tt.message {
				t.Fatalf("error = %q, want %q", body["error"], tt.message)
			}
		})
	}
}

func TestHTTPHandlerHealthzAndFallbackMetrics(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := serve(handler, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(handler, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), "flagtree_http_requests_total 2") {
		t.Fatalf("metrics body = %q, want request counter", rec.Body.String())
	}
}

func TestHTTPHandlerRecordsMetrics(t *testing.T) {
	recorder := &fakeRecorder{}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "custom metrics")
	})
	handler, _ := newTestHandler(t, WithRecorder(recorder), WithMetricsHandler(metricsHandler))

	serve(handler, http.MethodGet, "/v1/flags/max-players?scope=world", "")
	serve(handler, http.MethodGet, "/v1/nothing-here", "")
	rec := serve(handler, http.MethodGet, "/metrics", "")
	if rec.Body.String() != "custom metrics" {
		t.Fatalf("metrics body = %q, want custom handler output", rec.Body.String())
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	want := []string{"GET GET /v1/flags/{name} 200", "GET unmatched 404", "GET GET /metrics 200"}
	if strings.Join(recorder.requests, "|") != strings.Join(want, "|") {
		t.Fatalf("requests = %v, want %v", recorder.requests, want)
	}
	if len(recorder.resolutions) != 1 || recorder.resolutions[0] != "max-players false" {
		t.Fatalf("resolutions = %v", recorder.resolutions)
	}
}

func TestHTTPHandlerStream(t *testing.T) {
	handler, svc := newTestHandler(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/stream?scope=world", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /v1/stream error = %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", got)
	}

	// Headers arrive after Watch is registered, so these writes are observed.
	if _, err := svc.SetOverride(context.Background(), "lobby", "greeting", "ignored"); err != nil {
		t.Fatalf("SetOverride() error = %v", err)
	}
	if _, err := svc.SetOverride(context.Background(), "world/nether", "weather", "rain"); err != nil {
		t.Fatalf("SetOverride() error = %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	lines := make([]string, 0, 3)
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		lines = append(lines, strings.TrimSuffix(line, "\n"))
	}

	if lines[0] != "id: 1" || lines[1] != "event: added" {
		t.Fatalf("event header = %q, want id 1 added", lines[:2])
	}
	if lines[2] != `data: {"scope":"world/nether","flag":"weather","value":"RAIN","update":"added"}` {
		t.Fatalf("event data = %q", lines[2])
	}
}

func TestHTTPHandlerStreamRejectsInvalidScope(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := serve(handler, http.MethodGet, "/v1/stream?scope=bad//scope", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestInScope(t *testing.T) {
	tests := []struct {
		filter, path string
		want         bool
	}{
		{"", "world", true},
		{"world", "world", true},
		{"world", "world/nether", true},
		{"world", "worldly", false},
		{"world/nether", "world", false},
	}
	for _, tt := range tests {
		if got := inScope(tt.filter, tt.path); got != tt.want {
			t.Errorf("inScope(%q, %q) = %t, want %t", tt.filter, tt.path, got, tt.want)
		}
	}
}

type fakeService struct {
	resolveFunc func(ctx context.Context, path, name string) (scope.Resolution, error)
}

func (f *fakeService) Definitions() []scope.Definition { return nil }
func (f *fakeService) Scopes() []string                { return nil }

func (f *fakeService) Resolve(ctx context.Context, path, name string) (scope.Resolution, error) {
	if f.resolveFunc == nil {
		return scope.Resolution{}, errors.New("not implemented")
	}
	return f.resolveFunc(ctx, path, name)
}

func (f *fakeService) ResolveAll(context.Context, string) ([]scope.Resolution, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeService) SetOverride(context.Context, string, string, string) (flags.Flag, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeService) DeleteOverride(context.Context, string, string) (flags.Flag, bool, error) {
	return nil, false, errors.New("not implemented")
}

func (f *fakeService) ClearScope(context.Context, string) error {
	return errors.New("not implemented")
}

func (f *fakeService) Watch(ctx context.Context) <-chan scope.Event {
	ch := make(chan scope.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

type fakeRecorder struct {
	mu          sync.Mutex
	requests    []string
	resolutions []string
	streams     int
}

func (f *fakeRecorder) ObserveHTTPRequest(method, route string, status int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, fmt.Sprintf("%s %s %d", method, route, status))
}

func (f *fakeRecorder) RecordResolution(flag string, local bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	suffix := " false"
	if local {
		suffix = " true"
	}
	f.resolutions = append(f.resolutions, flag+suffix)
}

func (f *fakeRecorder) StreamOpened(string) func() {
	f.mu.Lock()
	f.streams++
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.streams--
		f.mu.Unlock()
	}
}
