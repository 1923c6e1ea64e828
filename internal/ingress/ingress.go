// Package ingress runs the local-only HTTP listener that CLI hooks post
// completion events to. The contract is deliberately forgiving: the hook
// script must never make the user's session hang, so every request is
// answered 200 and malformed or shed payloads are simply dropped.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/watchdeck/watchdeck/internal/logging"
	"github.com/watchdeck/watchdeck/internal/store"
)

var ingressLog = logging.ForComponent(logging.CompIngress)

// maxBodyBytes bounds a hook payload; anything larger is dropped.
const maxBodyBytes = 64 << 10

// knownFields are the structured payload keys; everything else lands in
// Hints verbatim.
var knownFields = map[string]bool{
	"id":               true,
	"projectName":      true,
	"terminalInfo":     true,
	"workingDirectory": true,
	"summary":          true,
	"details":          true,
	"tag":              true,
}

// Completer applies a hook-reported completion. Implemented by the store.
type Completer interface {
	CompleteFromHook(h store.HookCompletion) (store.Session, bool)
}

// Config defines runtime options for the ingress listener.
type Config struct {
	Port          int
	RatePerSecond int
	Burst         int
}

// Server is the hook listener.
type Server struct {
	completer  Completer
	limiter    *rate.Limiter
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates the listener bound to loopback only.
func NewServer(cfg Config, completer Completer) *Server {
	s := &Server{
		completer: completer,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/hook", s.handleHook)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeOK(w)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until shutdown. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	ingressLog.Info("listening", slog.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHook accepts one completion event per request. The response is a
// fixed 200 acknowledgment regardless of what happens to the payload: the
// posting hook has no retry semantics and must never block a session exit.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	defer writeOK(w)

	if r.Method != http.MethodPost {
		return
	}
	if !s.limiter.Allow() {
		ingressLog.Warn("hook_shed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		ingressLog.Warn("hook_read_failed", slog.String("error", err.Error()))
		return
	}

	h, ok := parsePayload(body)
	if !ok {
		ingressLog.Warn("hook_malformed", slog.Int("bytes", len(body)))
		return
	}

	sess, created := s.completer.CompleteFromHook(h)
	ingressLog.Info("hook_applied",
		slog.String("id", sess.ID),
		slog.String("project", sess.Project),
		slog.Bool("created", created))
}

// parsePayload decodes a hook body. The schema requires id, projectName,
// terminalInfo, and workingDirectory; a payload missing any of them is
// malformed and rejected. Unknown string-valued fields become navigation
// hints.
func parsePayload(body []byte) (store.HookCompletion, bool) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return store.HookCompletion{}, false
	}

	h := store.HookCompletion{
		HookID:       stringField(raw, "id"),
		Project:      stringField(raw, "projectName"),
		TerminalInfo: stringField(raw, "terminalInfo"),
		WorkingDir:   stringField(raw, "workingDirectory"),
		Summary:      stringField(raw, "summary"),
		Details:      stringField(raw, "details"),
		Tag:          stringField(raw, "tag"),
	}
	if h.HookID == "" || h.Project == "" || h.TerminalInfo == "" || h.WorkingDir == "" {
		return store.HookCompletion{}, false
	}

	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		str, isString := v.(string)
		if !isString {
			continue
		}
		if h.Hints == nil {
			h.Hints = make(map[string]string)
		}
		h.Hints[k] = str
	}
	return h, true
}

func stringField(raw map[string]any, key string) string {
	v, _ := raw[key].(string)
	return v
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}` + "\n"))
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				ingressLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
