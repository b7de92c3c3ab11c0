package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/carevoice/internal/config"
	"github.com/ent0n29/carevoice/internal/fault"
	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/session"
	"github.com/ent0n29/carevoice/internal/turns"
	"github.com/ent0n29/carevoice/internal/voice"
)

// TurnHandler is the turn-taking surface the API drives.
type TurnHandler interface {
	HandleUserTurn(ctx context.Context, sessionID string, message *string) (turns.Reply, error)
	HandleVoiceTurn(ctx context.Context, sessionID string, capture turns.Capture) (turns.Reply, error)
	History(ctx context.Context, sessionID string) ([]memory.Turn, error)
	EndSession(ctx context.Context, sessionID string) error
}

// Backends describes the resolved providers for health output.
type Backends struct {
	Brain  string `json:"brain"`
	STT    string `json:"stt"`
	Memory string `json:"memory"`
}

type Deps struct {
	Turns       TurnHandler
	Transcriber voice.Transcriber
	Sessions    *session.Manager
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Capture     voice.CaptureConfig
	Backends    Backends
}

type Server struct {
	cfg      config.Config
	turns    TurnHandler
	stt      voice.Transcriber
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   *zap.Logger
	capture  voice.CaptureConfig
	backends Backends
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		turns:    deps.Turns,
		stt:      deps.Transcriber,
		sessions: deps.Sessions,
		metrics:  deps.Metrics,
		logger:   logger,
		capture:  deps.Capture,
		backends: deps.Backends,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkWSOrigin,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/perf/latency/reset", s.handlePerfLatencyReset)

	r.Post("/v1/turns", s.handleTurn)
	r.Post("/api/smartchat", s.handleTurn)
	r.Get("/v1/sessions/{id}/history", s.handleHistory)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)

	r.Post("/v1/voice/transcribe", s.handleTranscribe)
	r.Get("/v1/voice/session/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"backends": s.backends,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.turns == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "turn orchestrator not configured")
		return
	}
	active := 0
	if s.sessions != nil {
		active = s.sessions.ActiveCount()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"backends":        s.backends,
		"active_sessions": active,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

// cors answers preflight requests and tags responses for allowed origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if s.cfg.AllowAnyOrigin {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if s.originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// checkWSOrigin only allows browser websocket connections from the same
// origin or a configured one, so other sites cannot drive a user's mic.
func (s *Server) checkWSOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin.
		return true
	}
	if s.originAllowed(origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

var errEmptyBody = errors.New("empty body")

const maxJSONBody = 1 << 20

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return errEmptyBody
	}
	return sonic.Unmarshal(raw, out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response","code":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFault maps a fault kind onto its status. Internal causes are not
// echoed to the client.
func respondFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	resp := errorResponse{Code: string(kind), Error: "internal error"}
	var fe *fault.Error
	if errors.As(err, &fe) {
		if fe.Detail != "" {
			resp.Error = fe.Detail
		} else {
			resp.Error = string(fe.Kind)
		}
		if fe.Err != nil && kind != fault.Internal {
			resp.Details = fe.Err.Error()
		}
	}
	respondJSON(w, fault.HTTPStatus(kind), resp)
}
