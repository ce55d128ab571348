package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/matt-riley/flagtree/flags"
	"github.com/matt-riley/flagtree/internal/scope"
)

const defaultMaxJSONBodyBytes = 1 << 20

var (
	errJSONBodyTooLarge   = errors.New("json request body too large")
	errOverrideNotFound   = errors.New("override not found")
	errValueRequired      = errors.New("value is required")
	errStreamingUnsupport = errors.New("streaming unsupported")
)

type HTTPServer struct {
	service         Service
	recorder        Recorder
	metricsHandler  http.Handler
	logger          *slog.Logger
	maxJSONBodySize int64
	requestsTotal   atomic.Uint64
}

// HTTPOption configures the handler returned by [NewHTTPHandler].
type HTTPOption func(*HTTPServer)

// WithRecorder records request and resolution metrics.
func WithRecorder(r Recorder) HTTPOption {
	return func(s *HTTPServer) { s.recorder = r }
}

// WithMetricsHandler serves h on GET /metrics instead of the built-in
// request counter.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = h }
}

// WithMaxJSONBodySize limits request bodies. Non-positive values keep the
// 1 MiB default.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodySize = n
		}
	}
}

// WithHTTPLogger sets the logger used for unexpected errors.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type setOverrideJSONRequest struct {
	Value *string `json:"value"`
}

type resolutionJSON struct {
	Scope  string `json:"scope"`
	Flag   string `json:"flag"`
	Kind   string `json:"kind"`
	Value  string `json:"value"`
	Local  bool   `json:"local"`
	Source string `json:"source"`
}

type eventJSON struct {
	Scope  string `json:"scope"`
	Flag   string `json:"flag"`
	Value  string `json:"value"`
	Update string `json:"update"`
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:         svc,
		logger:          slog.Default(),
		maxJSONBodySize: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{name}", server.handleResolve)
	mux.HandleFunc("PUT /v1/flags/{name}", server.handleSetOverride)
	mux.HandleFunc("DELETE /v1/flags/{name}", server.handleDeleteOverride)
	mux.HandleFunc("GET /v1/scopes", server.handleListScopes)
	mux.HandleFunc("GET /v1/scopes/{scope...}", server.handleResolveAll)
	mux.HandleFunc("DELETE /v1/scopes/{scope...}", server.handleClearScope)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	mux.HandleFunc("GET /metrics", server.handleMetrics)

	return server.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestsTotal.Add(1)
		if s.recorder == nil {
			mux.ServeHTTP(w, r)
			return
		}

		_, route := mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		mux.ServeHTTP(rec, r)
		s.recorder.ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Definitions())
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "flag name is required")
		return
	}

	res, err := s.service.Resolve(r.Context(), r.URL.Query().Get("scope"), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.recordResolution(res)
	writeJSON(w, http.StatusOK, toResolutionJSON(res))
}

func (s *HTTPServer) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "flag name is required")
		return
	}

	var request setOverrideJSONRequest
	if err := decodeJSONBody(w, r, &request, s.maxJSONBodySize); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if request.Value == nil {
		s.writeServiceError(w, errValueRequired)
		return
	}

	path := r.URL.Query().Get("scope")
	set, err := s.service.SetOverride(r.Context(), path, name, *request.Value)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	normalized, _ := scope.NormalizePath(path)
	writeJSON(w, http.StatusOK, resolutionJSON{
		Scope:  normalized,
		Flag:   set.Name(),
		Kind:   string(set.Kind()),
		Value:  set.Serialize(),
		Local:  true,
		Source: normalized,
	})
}

func (s *HTTPServer) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "flag name is required")
		return
	}

	_, removed, err := s.service.DeleteOverride(r.Context(), r.URL.Query().Get("scope"), name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !removed {
		s.writeServiceError(w, errOverrideNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListScopes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Scopes())
}

func (s *HTTPServer) handleResolveAll(w http.ResponseWriter, r *http.Request) {
	resolutions, err := s.service.ResolveAll(r.Context(), r.PathValue("scope"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	payload := make([]resolutionJSON, 0, len(resolutions))
	for _, res := range resolutions {
		s.recordResolution(res)
		payload = append(payload, toResolutionJSON(res))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleClearScope(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ClearScope(r.Context(), r.PathValue("scope")); err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleStream sends update notifications as Server-Sent Events. An optional
// scope query parameter limits the stream to that scope and its descendants.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	filter, err := scope.NormalizePath(r.URL.Query().Get("scope"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, errStreamingUnsupport.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := s.service.Watch(ctx)

	if s.recorder != nil {
		defer s.recorder.StreamOpened("sse")()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var eventID int64
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !inScope(filter, event.Scope) {
				continue
			}

			payload, err := json.Marshal(toEventJSON(event))
			if err != nil {
				writeSSEError(w, flusher, "internal server error")
				return
			}
			eventID++
			if err := writeSSEEvent(w, eventID, event.Update.String(), payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metricsHandler != nil {
		s.metricsHandler.ServeHTTP(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = fmt.Fprintf(w, "# HELP flagtree_http_requests_total Total number of HTTP requests.\n")
	_, _ = fmt.Fprintf(w, "# TYPE flagtree_http_requests_total counter\n")
	_, _ = fmt.Fprintf(w, "flagtree_http_requests_total %d\n", s.requestsTotal.Load())
}

func (s *HTTPServer) recordResolution(res scope.Resolution) {
	if s.recorder != nil {
		s.recorder.RecordResolution(res.Flag.Name(), res.Local)
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSONError(w, status, serviceErrorMessage(err))
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, scope.ErrUnknownFlag), errors.Is(err, errOverrideNotFound):
		return http.StatusNotFound
	case isInvalidArgumentError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func isInvalidArgumentError(err error) bool {
	return flags.IsParseError(err) ||
		errors.Is(err, scope.ErrInvalidScope) ||
		errors.Is(err, scope.ErrRootScope) ||
		errors.Is(err, errValueRequired)
}

func serviceErrorMessage(err error) string {
	var parseErr *flags.ParseError
	switch {
	case errors.As(err, &parseErr):
		return parseErr.Error()
	case errors.Is(err, scope.ErrUnknownFlag):
		return "unknown flag"
	case errors.Is(err, errOverrideNotFound):
		return "override not found"
	case errors.Is(err, scope.ErrRootScope):
		return scope.ErrRootScope.Error()
	case errors.Is(err, scope.ErrInvalidScope):
		return err.Error()
	case errors.Is(err, errValueRequired):
		return "value is required"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return "internal server error"
	}
}

func toResolutionJSON(res scope.Resolution) resolutionJSON {
	return resolutionJSON{
		Scope:  res.Scope,
		Flag:   res.Flag.Name(),
		Kind:   string(res.Flag.Kind()),
		Value:  res.Flag.Serialize(),
		Local:  res.Local,
		Source: res.Source,
	}
}

func toEventJSON(event scope.Event) eventJSON {
	return eventJSON{
		Scope:  event.Scope,
		Flag:   event.Flag.Name(),
		Value:  event.Flag.Serialize(),
		Update: event.Update.String(),
	}
}

func inScope(filter, path string) bool {
	return filter == scope.Root || path == filter || strings.HasPrefix(path, filter+"/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
