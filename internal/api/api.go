package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Roman-Samoilenko/dnsblock/internal/config"
	"github.com/Roman-Samoilenko/dnsblock/internal/dnsproxy"
	"github.com/Roman-Samoilenko/dnsblock/internal/logger"
)

const (
	APITimeout      = 60 * time.Second
	ShutdownTimeout = 5 * time.Second
)

// Status is the JSON body of GET /status.
type Status struct {
	Running    bool   `json:"running"`
	Listen     string `json:"listen"`
	Upstream   string `json:"upstream"`
	BlockAll   bool   `json:"block_all"`
	Diagnosis  bool   `json:"diagnosis"`
	FilterFile string `json:"filter_file"`
	Patterns   int    `json:"patterns"`
	LastError  string `json:"last_error,omitempty"`
}

// Controller is the set of operations exposed over HTTP.
type Controller interface {
	Reload() error
	StartProxy() error
	StopProxy()
	SetBlockAll(v bool)
	SetDiagnosis(v bool)
	SetUpstream(ip string) error
	SetUpstreamPort(port int) error
	Status() Status
}

type handler struct {
	ctrl Controller
}

func CreateRouter(ctrl Controller, gatherer prometheus.Gatherer) http.Handler {
	h := &handler{ctrl: ctrl}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(APITimeout))

	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Post("/reload", h.reload)
	r.Post("/start", h.start)
	r.Post("/stop", h.stop)
	r.Post("/blockall", h.toggle(ctrl.SetBlockAll))
	r.Post("/diagnosis", h.toggle(ctrl.SetDiagnosis))
	r.Post("/upstream", h.upstream)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// Start binds the control API on apiConf.Listen and serves it until ctx is
// done. A bind failure is returned at once.
func Start(ctx context.Context, apiConf config.APIConfig, ctrl Controller, gatherer prometheus.Gatherer) error {
	ln, err := net.Listen("tcp", apiConf.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", apiConf.Listen, err)
	}
	return Serve(ctx, ln, ctrl, gatherer)
}

// Serve runs the control API on ln. When ctx is done the server drains
// in-flight requests for up to ShutdownTimeout and Serve returns nil.
func Serve(ctx context.Context, ln net.Listener, ctrl Controller, gatherer prometheus.Gatherer) error {
	server := &http.Server{
		Handler:           CreateRouter(ctrl, gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	drained := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(drained)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Control API shutdown: %v", err)
		}
	})

	logger.Infof("Control API listening on %s", ln.Addr())
	err := server.Serve(ln)
	if !stop() {
		<-drained
	}
	if errors.Is(err, http.ErrServerClosed) {
		logger.Infof("Control API stopped")
		return nil
	}
	return err
}

// requestLogger logs one line per request, tagged with the chi request ID.
// Server errors are logged as warnings.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)

		logf := logger.Debugf
		if ww.Status() >= http.StatusInternalServerError {
			logf = logger.Warnf
		}
		logf("api [%s] %s %s -> %d, %d bytes in %v",
			middleware.GetReqID(r.Context()), r.Method, r.URL.Path,
			ww.Status(), ww.BytesWritten(), time.Since(began).Round(time.Microsecond))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// health answers 200 while the proxy loop serves and 503 otherwise, so
// that it can back a liveness check.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	code, body := http.StatusOK, "OK"
	if !h.ctrl.Status().Running {
		code, body = http.StatusServiceUnavailable, "STOPPED"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	if _, err := io.WriteString(w, body); err != nil {
		logger.Debugf("Failed to write health response: %v", err)
	}
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *handler) reload(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.StartProxy(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *handler) stop(w http.ResponseWriter, r *http.Request) {
	h.ctrl.StopProxy()
	writeJSON(w, http.StatusAccepted, h.ctrl.Status())
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *handler) toggle(set func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Enabled == nil {
			writeError(w, http.StatusBadRequest, errors.New("missing 'enabled' field"))
			return
		}
		set(*req.Enabled)
		writeJSON(w, http.StatusOK, h.ctrl.Status())
	}
}

type upstreamRequest struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (h *handler) upstream(w http.ResponseWriter, r *http.Request) {
	var req upstreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Address == "" && req.Port == 0 {
		writeError(w, http.StatusBadRequest, errors.New("missing 'address' or 'port' field"))
		return
	}
	// Check both before applying either.
	if req.Address != "" {
		if _, err := dnsproxy.ParseUpstream(req.Address); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Port < 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("port %d out of range", req.Port))
		return
	}
	if req.Address != "" {
		if err := h.ctrl.SetUpstream(req.Address); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Port != 0 {
		if err := h.ctrl.SetUpstreamPort(req.Port); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}
