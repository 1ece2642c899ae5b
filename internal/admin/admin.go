// Package admin serves the local administration interface of mirrord:
// health, Prometheus metrics, trace snapshots, device status and the
// operations that drive resync and verify runs.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrord/mirrord/internal/logging/audit"
	"github.com/mirrord/mirrord/internal/metrics"
	"github.com/mirrord/mirrord/internal/mirror"
	"github.com/mirrord/mirrord/internal/tracing"
	"github.com/mirrord/mirrord/pkg/bytesize"
)

// DeviceSource lists the devices the server operates on.
type DeviceSource interface {
	Devices() []*mirror.Device
}

// Config configures an AdminServer.
type Config struct {
	Devices DeviceSource
	// Token protects /status and /devices when set.
	Token  string
	Tracer *tracing.Recorder
	Audit  *audit.Logger
	Logger zerolog.Logger
}

// AdminServer provides the HTTP admin interface. It is meant to listen on
// a loopback or management address only.
type AdminServer struct {
	cfg    Config
	server *http.Server
	mux    *http.ServeMux
	logger zerolog.Logger
}

// NewAdminServer creates a new admin server.
func NewAdminServer(cfg Config) *AdminServer {
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLogger(cfg.Logger)
	}
	s := &AdminServer{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: cfg.Logger.With().Str("component", "admin").Logger(),
	}

	s.mux.HandleFunc("GET /health", healthHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.Handle("GET /debug/trace", cfg.Tracer)
	s.mux.HandleFunc("GET /status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("GET /status/{name}", s.withAuth(s.handleDeviceStatus))
	s.mux.HandleFunc("POST /devices/{name}/{op}", s.withAuth(s.handleOperation))
	return s
}

// Handler returns the server's routes, for tests and embedding.
func (s *AdminServer) Handler() http.Handler { return s.mux }

// StartInsecure starts serving plain HTTP on addr. Listen errors are
// returned; serve errors after startup are logged.
func (s *AdminServer) StartInsecure(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin interface listening")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server stopped")
		}
	}()
	return nil
}

// Stop gracefully stops the admin server.
func (s *AdminServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// healthHandler returns a simple health check response.
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *AdminServer) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next(w, r)
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" ||
			subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.cfg.Token)) != 1 {
			s.cfg.Audit.LogAuth(r.URL.Path, audit.Denied, clientIP(r))
			jsonError(w, "invalid or missing token", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			s.cfg.Audit.LogAuth(r.URL.Path, audit.Allowed, clientIP(r))
		}
		next(w, r)
	}
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	devices := s.cfg.Devices.Devices()
	out := make([]mirror.Stats, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Stats())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *AdminServer) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(r.PathValue("name"))
	if !ok {
		jsonError(w, "unknown device", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d.Stats())
}

func (s *AdminServer) lookup(name string) (*mirror.Device, bool) {
	for _, d := range s.cfg.Devices.Devices() {
		if d.Name() == name || strconv.Itoa(d.Minor()) == name {
			return d, true
		}
	}
	return nil, false
}

// OperationResult is the response body of a successful operation.
type OperationResult struct {
	Device    string       `json:"device"`
	Operation string       `json:"operation"`
	State     mirror.Stats `json:"status"`
}

func (s *AdminServer) handleOperation(w http.ResponseWriter, r *http.Request) {
	name, op := r.PathValue("name"), r.PathValue("op")
	d, ok := s.lookup(name)
	if !ok {
		jsonError(w, "unknown device", http.StatusNotFound)
		return
	}

	args, err := s.apply(d, op, r)
	s.cfg.Audit.LogAdmin(clientIP(r), d.Name(), op, args, err)
	if err != nil {
		jsonError(w, err.Error(), statusOf(err))
		return
	}
	writeJSON(w, http.StatusOK, OperationResult{Device: d.Name(), Operation: op, State: d.Stats()})
}

// errBadRequest marks malformed operation arguments.
var errBadRequest = errors.New("bad request")

var errUnknownOperation = errors.New("unknown operation")

// apply runs op on d and returns the argument it was called with.
func (s *AdminServer) apply(d *mirror.Device, op string, r *http.Request) (string, error) {
	q := r.URL.Query()
	switch op {
	case "resync":
		arg := q.Get("side")
		side := mirror.SyncTarget
		switch strings.ToLower(arg) {
		case "", "target", "synctarget":
			arg = "target"
		case "source", "syncsource":
			side = mirror.SyncSource
		default:
			return arg, fmt.Errorf("%w: side must be source or target", errBadRequest)
		}
		return arg, d.StartResync(side)

	case "verify":
		arg := q.Get("start")
		var start uint64
		if arg != "" {
			v, err := strconv.ParseUint(arg, 10, 64)
			if err != nil {
				return arg, fmt.Errorf("%w: start: %v", errBadRequest, err)
			}
			start = v
		}
		return arg, d.StartVerify(start)

	case "pause":
		return "", d.PauseSync()

	case "resume":
		return "", d.ResumeSync()

	case "after":
		arg := q.Get("minor")
		after := -1
		if arg != "" && arg != "none" {
			v, err := strconv.Atoi(arg)
			if err != nil {
				return arg, fmt.Errorf("%w: minor: %v", errBadRequest, err)
			}
			after = v
		}
		return arg, d.AlterDependency(after)

	case "state":
		arg := q.Get("conn")
		cs, err := mirror.ParseConnState(arg)
		if err != nil {
			return arg, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return arg, d.ForceState(cs)

	case "rate":
		arg := q.Get("rate")
		rate, err := bytesize.ParseRate(arg)
		if err != nil || rate <= 0 {
			return arg, fmt.Errorf("%w: rate %q", errBadRequest, arg)
		}
		d.SetSyncRate(rate)
		return arg, nil

	default:
		return "", fmt.Errorf("%w %q", errUnknownOperation, op)
	}
}

func statusOf(err error) int {
	var te *mirror.TransitionError
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errUnknownOperation), errors.Is(err, mirror.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.As(err, &te),
		errors.Is(err, mirror.ErrAlreadyPaused),
		errors.Is(err, mirror.ErrNotPaused),
		errors.Is(err, mirror.ErrNotConnected),
		errors.Is(err, mirror.ErrVetoed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
