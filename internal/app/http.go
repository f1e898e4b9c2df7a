package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reverie/api/internal/scheduler"
)

const maxBodyBytes = 1 << 20

// sweepRunner triggers one scheduler pass; the Sweeper is the production
// implementation.
type sweepRunner interface {
	Sweep(ctx context.Context, now time.Time) (scheduler.Report, error)
}

type HTTPServer struct {
	service    *Service
	sweeper    sweepRunner
	sweepToken string
	corsOrigin string
}

type HTTPServerOptions struct {
	Sweeper    sweepRunner
	SweepToken string
	CORSOrigin string
}

func NewHTTPServer(service *Service, opts HTTPServerOptions) *HTTPServer {
	return &HTTPServer{
		service:    service,
		sweeper:    opts.Sweeper,
		sweepToken: opts.SweepToken,
		corsOrigin: opts.CORSOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.route)
	return s.withMiddleware(mux)
}

func (s *HTTPServer) route(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
		return
	}
	rest := parts[1:]

	switch {
	case len(rest) == 1 && rest[0] == "health":
		s.handleHealth(w, r)
	case len(rest) == 1 && rest[0] == "ready":
		s.handleReady(w, r)
	case len(rest) == 1 && rest[0] == "reply" && r.Method == http.MethodPost:
		s.handleReply(w, r)
	case len(rest) == 2 && rest[0] == "scheduler" && rest[1] == "sweep" && r.Method == http.MethodPost:
		s.handleSweep(w, r)
	case len(rest) == 1 && rest[0] == "characters" && r.Method == http.MethodPost:
		s.handleCreateCharacter(w, r)
	case len(rest) == 3 && rest[0] == "characters" && rest[2] == "relationship" && r.Method == http.MethodPost:
		s.handleRelationship(w, r, rest[1])
	case len(rest) == 4 && rest[0] == "characters" && rest[2] == "persona" && rest[3] == "history" && r.Method == http.MethodGet:
		s.handlePersonaHistory(w, r, rest[1])
	case len(rest) == 3 && rest[0] == "conversations" && rest[2] == "schedule" && r.Method == http.MethodPost:
		s.handleSchedule(w, r, rest[1])
	case len(rest) == 3 && rest[0] == "conversations" && rest[2] == "policy" && r.Method == http.MethodPost:
		s.handlePolicy(w, r, rest[1])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route", nil)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "database unreachable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) handleReply(w http.ResponseWriter, r *http.Request) {
	var in ReplyInput
	if !decodeBody(w, r, &in) {
		return
	}
	result, err := s.service.Reply(r.Context(), in)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "SWEEP_DISABLED", "scheduler is not configured", nil)
		return
	}
	token := r.Header.Get("X-Sweep-Token")
	if token == "" {
		token = bearerToken(r)
	}
	if s.sweepToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.sweepToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid sweep token", nil)
		return
	}
	report, err := s.sweeper.Sweep(r.Context(), time.Now())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	var in CreateCharacterInput
	if !decodeBody(w, r, &in) {
		return
	}
	result, err := s.service.CreateCharacter(r.Context(), in)
	if err != nil {
		mapError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func (s *HTTPServer) handleRelationship(w http.ResponseWriter, r *http.Request, characterID string) {
	var in RelationshipInput
	if !decodeBody(w, r, &in) {
		return
	}
	ladder, err := s.service.SetRelationship(r.Context(), characterID, in)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ladder)
}

func (s *HTTPServer) handlePersonaHistory(w http.ResponseWriter, r *http.Request, characterID string) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 200", nil)
			return
		}
		limit = parsed
	}
	commits, err := s.service.PersonaHistory(r.Context(), characterID, limit)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleSchedule(w http.ResponseWriter, r *http.Request, conversationID string) {
	var in ScheduleInput
	if !decodeBody(w, r, &in) {
		return
	}
	result, err := s.service.UpdateSchedule(r.Context(), conversationID, in)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handlePolicy(w http.ResponseWriter, r *http.Request, conversationID string) {
	var in PolicyInput
	if !decodeBody(w, r, &in) {
		return
	}
	guard, err := s.service.SetPolicy(r.Context(), conversationID, in)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guard)
}

// withMiddleware wraps the handler with request-ID assignment, CORS
// headers, and one JSON log line per request.
func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		s.setCORSHeaders(w)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		entry := map[string]any{
			"ts":         start.UTC().Format(time.RFC3339Nano),
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     recorder.status,
			"elapsed_ms": time.Since(start).Milliseconds(),
		}
		line, err := json.Marshal(entry)
		if err != nil {
			log.Printf("http: marshal access log: %v", err)
			return
		}
		log.Println(string(line))
	})
}

func (s *HTTPServer) setCORSHeaders(w http.ResponseWriter) {
	origin := s.corsOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Sweep-Token")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func newRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	body := map[string]any{"code": code, "error": message}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// decodeBody reads and decodes a JSON request body, writing the error
// response itself when decoding fails.
func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON for this route", nil)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func splitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func mapError(w http.ResponseWriter, err error) {
	var domain *DomainError
	if errors.As(err, &domain) {
		writeError(w, domain.Status, domain.Code, domain.Message, domain.Details)
		return
	}
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
		return
	}
	log.Printf("http: internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
