package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/permadeploy/internal/domain"
	"github.com/splax/permadeploy/internal/scheduler"
	"github.com/splax/permadeploy/internal/service/deploy"
	"github.com/splax/permadeploy/internal/ws"
)

const (
	banner             = "permaDeploy Builder Running!"
	healthCheckTimeout = 2 * time.Second
	deployRateWindow   = time.Minute
	sseHeartbeat       = 15 * time.Second
	maxRequestBody     = 1 << 20
)

// Pipeline is the deployment service surface exposed over HTTP.
type Pipeline interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error)
	Log(owner, repoName string) ([]byte, error)
	Config(ctx context.Context, owner, repoName string) (domain.DeploymentRecord, error)
	Deployments(ctx context.Context) ([]domain.DeploymentRecord, error)
	Remove(ctx context.Context, owner, repoName string) error
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Options configures optional router behaviour.
type Options struct {
	// AuthSecret enables bearer token checks on mutating routes when set.
	AuthSecret string
	// DeployRateLimit caps POST /deploy per client IP per minute; 0 disables it.
	DeployRateLimit int
	Limiter         RateLimiter
	Hub             *ws.Hub
	Stats           func() scheduler.Stats
	Checks          map[string]HealthCheck
}

// Router exposes HTTP endpoints for the builder service.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	pipeline Pipeline
	opts     Options
	upgrader websocket.Upgrader

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	deployResults      *prometheus.CounterVec
	rateLimitHits      *prometheus.CounterVec
}

// New creates and registers handlers.
func New(logger *slog.Logger, pipeline Pipeline, opts Options) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		pipeline: pipeline,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if r.opts.DeployRateLimit > 0 && r.opts.Limiter == nil {
		r.opts.Limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.opts.Limiter != nil {
		r.opts.Limiter.Close()
	}
}

func (r *Router) routes() {
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/", r.observe("/", r.handleRoot))
	r.mux.HandleFunc("/healthz", r.observe("/healthz", r.handleHealth))
	r.mux.HandleFunc("/deploy", r.observe("/deploy", r.withRateLimit("/deploy", r.handleDeploy)))
	r.mux.HandleFunc("/logs/", r.observe("/logs/:owner/:repo", r.handleLogs))
	r.mux.HandleFunc("/config/", r.observe("/config/:owner/:repo", r.handleConfig))
	r.mux.HandleFunc("/deployments", r.observe("/deployments", r.handleDeployments))
	r.mux.HandleFunc("/deployments/", r.observe("/deployments/:owner/:repo", r.handleDeploymentDelete))
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeText(w, http.StatusOK, banner)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	components := make(map[string]any, len(r.opts.Checks))
	for name, check := range r.opts.Checks {
		component := map[string]any{"status": "up"}
		if err := check(ctx); err != nil {
			status = "degraded"
			component = map[string]any{"status": "down", "error": err.Error()}
		}
		components[name] = component
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if r.opts.Stats != nil {
		payload["scheduler"] = r.opts.Stats()
	}
	if r.opts.Hub != nil {
		payload["droppedLogLines"] = r.opts.Hub.Dropped()
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload deploy.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody)).Decode(&payload); err != nil {
		writeText(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if r.authEnabled() {
		claims, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if addr, err := payload.Address(); err == nil && !claims.Allows(addr.Owner) {
			r.recordDeployResult("forbidden")
			writeText(w, http.StatusForbidden, "token does not allow deploying for "+addr.Owner)
			return
		}
	}

	result, err := r.pipeline.Deploy(req.Context(), payload)
	if err != nil {
		code, outcome, body := deployFailure(err)
		r.recordDeployResult(outcome)
		if code >= http.StatusInternalServerError {
			r.logger.Error("deploy failed", "repository", payload.Repository, "error", err)
		}
		writeText(w, code, body)
		return
	}

	if result.Undername != "" {
		w.Header().Set("X-Undername", result.Undername)
	}
	if result.NamingError != "" {
		w.Header().Set("X-Naming-Error", result.NamingError)
	}
	if result.Status == deploy.StatusNoChanges {
		r.recordDeployResult("no_changes")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	r.recordDeployResult("published")
	if wantsJSON(req) {
		writeJSON(w, http.StatusOK, result)
		return
	}
	writeText(w, http.StatusOK, result.Address)
}

// deployFailure maps a pipeline error to status code, metric outcome and body.
func deployFailure(err error) (int, string, string) {
	var failure *deploy.FailureError
	switch {
	case errors.Is(err, deploy.ErrValidation):
		return http.StatusBadRequest, "invalid", err.Error()
	case errors.Is(err, deploy.ErrConflict):
		return http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, deploy.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "quota", "Daily deployment limit reached"
	case errors.Is(err, deploy.ErrSource):
		return http.StatusBadGateway, "source", err.Error()
	case errors.As(err, &failure):
		body := string(failure.Log)
		if strings.TrimSpace(body) == "" {
			body = "Deployment failed"
		}
		return http.StatusInternalServerError, failure.Stage, body
	default:
		return http.StatusInternalServerError, "failure", "Deployment failed"
	}
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	parts := pathParts(req.URL.Path, "/logs/")
	switch {
	case len(parts) == 2:
		data, err := r.pipeline.Log(parts[0], parts[1])
		if err != nil {
			if errors.Is(err, deploy.ErrNotFound) || errors.Is(err, deploy.ErrValidation) {
				writeText(w, http.StatusNotFound, "Log not found")
				return
			}
			r.logger.Error("failed to read build log", "owner", parts[0], "repo", parts[1], "error", err)
			writeText(w, http.StatusInternalServerError, "failed to read log")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case len(parts) == 3 && parts[2] == "stream":
		r.handleLogStream(w, req, parts[0], parts[1])
	case len(parts) == 3 && parts[2] == "events":
		r.handleLogEvents(w, req, parts[0], parts[1])
	default:
		writeText(w, http.StatusNotFound, "Log not found")
	}
}

func (r *Router) handleLogStream(w http.ResponseWriter, req *http.Request, owner, repo string) {
	key, ok := r.streamKey(w, owner, repo)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.opts.Hub.Register(key, client)
	go func() {
		defer func() {
			r.opts.Hub.Unregister(key, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (r *Router) handleLogEvents(w http.ResponseWriter, req *http.Request, owner, repo string) {
	key, ok := r.streamKey(w, owner, repo)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.opts.Hub.Register(key, client)
	defer func() {
		r.opts.Hub.Unregister(key, client)
		client.Close()
	}()
	client.Serve(req.Context(), sseHeartbeat)
}

func (r *Router) streamKey(w http.ResponseWriter, owner, repo string) (string, bool) {
	if r.opts.Hub == nil {
		writeError(w, http.StatusNotImplemented, "log streaming disabled")
		return "", false
	}
	if domain.ValidSegment(owner) != nil || domain.ValidSegment(repo) != nil {
		writeText(w, http.StatusNotFound, "Log not found")
		return "", false
	}
	return owner + "/" + repo, true
}

func (r *Router) handleConfig(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	parts := pathParts(req.URL.Path, "/config/")
	if len(parts) != 2 {
		writeText(w, http.StatusNotFound, "Configuration not found")
		return
	}
	rec, err := r.pipeline.Config(req.Context(), parts[0], parts[1])
	if err != nil {
		if errors.Is(err, deploy.ErrNotFound) || errors.Is(err, deploy.ErrValidation) {
			writeText(w, http.StatusNotFound, "Configuration not found")
			return
		}
		r.logger.Error("failed to load configuration", "owner", parts[0], "repo", parts[1], "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load configuration")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	records, err := r.pipeline.Deployments(req.Context())
	if err != nil {
		r.logger.Error("failed to list deployments", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}
	if records == nil {
		records = []domain.DeploymentRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Router) handleDeploymentDelete(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	parts := pathParts(req.URL.Path, "/deployments/")
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	owner, repo := parts[0], parts[1]
	if r.authEnabled() {
		claims, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if !claims.Allows(owner) {
			writeError(w, http.StatusForbidden, "token does not allow managing "+owner)
			return
		}
	}
	if err := r.pipeline.Remove(req.Context(), owner, repo); err != nil {
		switch {
		case errors.Is(err, deploy.ErrNotFound), errors.Is(err, deploy.ErrValidation):
			r.notFound(w)
		default:
			r.logger.Error("failed to remove deployment", "owner", owner, "repo", repo, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to remove deployment")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func pathParts(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func wantsJSON(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "application/json")
}
