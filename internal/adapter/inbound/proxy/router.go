// Package proxy implements the reverse-proxy request path: longest-prefix
// routing, rate limiting, response caching, and JSON-RPC forwarding to the
// supervised child processes.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mcpfleet/mcpfleet/internal/adapter/outbound/memory"
	"github.com/mcpfleet/mcpfleet/internal/domain/ratelimit"
	"github.com/mcpfleet/mcpfleet/internal/domain/service"
	"github.com/mcpfleet/mcpfleet/internal/metrics"
	"github.com/mcpfleet/mcpfleet/pkg/jsonrpc"
)

// maxBodyBytes caps the size of an inbound JSON-RPC request body.
const maxBodyBytes = 1 << 20 // 1 MiB

// Target is the per-service handle the router forwards to.
type Target interface {
	Definition() service.Definition
	State() service.RuntimeState
	Send(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error)
}

// Resolver maps a request path to the service whose proxy path is the
// longest matching prefix.
type Resolver func(path string) (Target, bool)

// Router serves POST {proxyPath}/* and GET {proxyPath}/health.
type Router struct {
	resolve Resolver
	limiter ratelimit.Limiter
	cache   *memory.ResponseCache
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRouter creates the proxy router.
func NewRouter(resolve Resolver, limiter ratelimit.Limiter, cache *memory.ResponseCache, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{
		resolve: resolve,
		limiter: limiter,
		cache:   cache,
		metrics: m,
		logger:  logger,
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, ok := rt.resolve(r.URL.Path)
	if !ok {
		rt.respondError(w, http.StatusNotFound, "no service matches path")
		return
	}
	def := target.Definition()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == def.ProxyPath+"/health":
		rt.serviceHealth(w, target)
	case r.Method == http.MethodPost:
		rt.forward(w, r, target, def)
	default:
		rt.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// forward runs the request pipeline: rate limit, envelope validation, cache
// lookup, send, error translation, cache store.
func (rt *Router) forward(w http.ResponseWriter, r *http.Request, target Target, def service.Definition) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		rt.metrics.RequestsTotal.WithLabelValues(def.ID, strconv.Itoa(status)).Inc()
		rt.metrics.RequestDuration.WithLabelValues(def.ID).Observe(time.Since(start).Seconds())
	}()

	res := rt.limiter.Allow(def.ID, ClientKey(r), def.RateLimit)
	setRateHeaders(w, res)
	if !res.Allowed {
		rt.metrics.RateLimitBlocked.WithLabelValues(def.ID).Inc()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		status = http.StatusTooManyRequests
		rt.respondError(w, status, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		status = http.StatusBadRequest
		rt.writeRPC(w, status, jsonrpc.NewErrorResponse(jsonrpc.ID{}, jsonrpc.CodeInvalidRequest, "Invalid Request"))
		return
	}

	msg, rpcErr := jsonrpc.ValidateRequest(body)
	if rpcErr != nil {
		status = http.StatusBadRequest
		rt.writeRPC(w, status, jsonrpc.NewErrorResponse(jsonrpc.ID{}, rpcErr.Code, rpcErr.Message))
		return
	}

	var cacheKey uint64
	cacheable := def.Cacheable()
	if cacheable {
		cacheKey, err = memory.Fingerprint(def.ID, body)
		if err != nil {
			cacheable = false
		} else if cached, hit := rt.cache.Get(cacheKey); hit {
			rt.metrics.CacheOps.WithLabelValues(metrics.CacheHit).Inc()
			w.Header().Set("X-Cache", "HIT")
			rt.writeRPC(w, http.StatusOK, cached)
			return
		}
		if cacheable {
			rt.metrics.CacheOps.WithLabelValues(metrics.CacheMiss).Inc()
		}
	}

	if st := target.State(); st.Status != service.StatusRunning {
		status = http.StatusServiceUnavailable
		rt.respondUnavailable(w, st)
		return
	}

	resp, err := target.Send(r.Context(), msg)
	if err != nil {
		status = rt.translateError(w, err, msg.ID, target)
		return
	}

	if cacheable && resp.Err == nil {
		rt.cache.Put(cacheKey, resp.Raw, def.CacheLifetime())
		rt.metrics.CacheOps.WithLabelValues(metrics.CacheStore).Inc()
	}
	w.Header().Set("X-Cache", "MISS")
	rt.writeRPC(w, http.StatusOK, resp.Raw)
}

// translateError maps a send failure to its HTTP status and body, returning
// the status for metrics.
func (rt *Router) translateError(w http.ResponseWriter, err error, id jsonrpc.ID, target Target) int {
	switch {
	case errors.Is(err, service.ErrTimeout):
		rt.writeRPC(w, http.StatusGatewayTimeout, jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "Internal error"))
		return http.StatusGatewayTimeout
	case errors.Is(err, service.ErrTransportClosed):
		rt.writeRPC(w, http.StatusBadGateway, jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "Internal error"))
		return http.StatusBadGateway
	case errors.Is(err, service.ErrIllegalState):
		rt.respondUnavailable(w, target.State())
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful can be written.
		return 499
	default:
		rt.logger.Error("proxy send failed", "error", err)
		rt.writeRPC(w, http.StatusInternalServerError, jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "Internal error"))
		return http.StatusInternalServerError
	}
}

// serviceHealth reports the per-service runtime state.
func (rt *Router) serviceHealth(w http.ResponseWriter, target Target) {
	st := target.State()
	payload := map[string]any{
		"status": st.Status,
		"metrics": map[string]any{
			"pid":          st.PID,
			"restartCount": st.RestartCount,
			"startedAt":    st.StartedAt,
		},
		"lastError": st.LastError,
	}
	rt.respondJSON(w, http.StatusOK, payload)
}

// respondUnavailable writes the 503 body carrying the runtime state.
func (rt *Router) respondUnavailable(w http.ResponseWriter, st service.RuntimeState) {
	rt.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
		"error":     "service not running",
		"status":    st.Status,
		"lastError": st.LastError,
	})
}

func (rt *Router) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		rt.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (rt *Router) respondError(w http.ResponseWriter, status int, message string) {
	rt.respondJSON(w, status, map[string]string{"error": message})
}

// writeRPC writes a raw JSON-RPC envelope.
func (rt *Router) writeRPC(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		rt.logger.Debug("failed to write response", "error", err)
	}
}

// setRateHeaders sets the three rate headers on every proxied response.
func setRateHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.UnixMilli(), 10))
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ClientKey derives the rate-limit client key from the forwarded-for
// header, the real-ip header, or the remote address, in that order.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
