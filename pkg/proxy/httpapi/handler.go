// Package httpapi reverse-proxies generic HTTP APIs. The client presents an
// access token; the gateway swaps in the connector's real base URL and
// credential headers and streams both bodies verbatim.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/adapters/backend"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/audit"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/logging"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/retry"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/services"
)

// TokenHeader carries the access token on proxied requests.
const TokenHeader = "X-Vaultlink-Token"

// hopByHopHeaders are connection-scoped and never forwarded either way.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// TargetFactory exchanges a grant for the resolved upstream.
type TargetFactory func(ctx context.Context, grant *services.Grant) (*backend.HTTPTarget, error)

// NewTargetFactory serves http connectors from managed targets.
func NewTargetFactory(manager *backend.Manager) TargetFactory {
	return func(ctx context.Context, grant *services.Grant) (*backend.HTTPTarget, error) {
		return manager.HTTPAPI(ctx, grant.ConnectorID, grant.Credentials)
	}
}

// Config wires the httpapi handler.
type Config struct {
	Protocol   string
	Resolver   services.Resolver
	Accountant services.Accountant
	Target     TargetFactory

	ResponseTimeout time.Duration

	Logger *zap.Logger
}

// Handler is the reverse proxy for http connectors.
type Handler struct {
	cfg Config
}

// NewHandler creates an httpapi handler.
func NewHandler(cfg Config) *Handler {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 60 * time.Second
	}
	return &Handler{cfg: cfg}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg
	started := time.Now()
	clientIP := requestIP(r)

	token := r.Header.Get(TokenHeader)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if services.ClassifyToken(token) == services.TokenUnknown {
		http.Error(w, proxy.ClientMessage(proxy.AccessDenied), proxy.HTTPStatus(proxy.AccessDenied))
		return
	}

	op := strings.ToUpper(r.Method)

	grant, err := cfg.Resolver.Authorize(r.Context(), &services.AccessRequest{
		Token:        token,
		Operation:    op,
		ExpectedType: models.TypeHTTPAPI,
		Protocol:     cfg.Protocol,
		ClientIP:     clientIP,
	})
	if err != nil {
		h.frameFailure(r.Context(), w, nil, op, err, started)
		return
	}

	relayCtx, cancel := context.WithTimeout(r.Context(), cfg.ResponseTimeout)
	defer cancel()

	target, err := cfg.Target(relayCtx, grant)
	if err != nil {
		h.frameFailure(r.Context(), w, grant, op, err, started)
		return
	}

	outReq, err := h.buildUpstreamRequest(relayCtx, r, target)
	if err != nil {
		http.Error(w, proxy.ClientMessage(proxy.BadRequest), proxy.HTTPStatus(proxy.BadRequest))
		cfg.Accountant.RecordOutcome(r.Context(), grant, cfg.Protocol, op, audit.OutcomeDenied, time.Since(started), 0, "malformed request")
		return
	}

	resp, err := h.forward(relayCtx, target, outReq)
	if err != nil {
		h.frameFailure(r.Context(), w, grant, op, err, started)
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	for _, key := range hopByHopHeaders {
		header.Del(key)
	}
	w.WriteHeader(resp.StatusCode)
	bytes, _ := io.Copy(w, resp.Body)

	cfg.Accountant.RecordOutcome(r.Context(), grant, cfg.Protocol, op, audit.OutcomeAllowed, time.Since(started), bytes, "")
}

// buildUpstreamRequest rewrites the client request onto the connector's
// real base URL with the vault credentials substituted. The access token
// and any client credentials never travel upstream.
func (h *Handler) buildUpstreamRequest(ctx context.Context, r *http.Request, target *backend.HTTPTarget) (*http.Request, error) {
	upstream := *target.BaseURL
	upstream.Path = joinPath(target.BaseURL.Path, r.URL.Path)

	query := r.URL.Query()
	query.Del("token")
	upstream.RawQuery = query.Encode()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, upstream.String(), r.Body)
	if err != nil {
		return nil, err
	}
	outReq.ContentLength = r.ContentLength

	outReq.Header = r.Header.Clone()
	outReq.Header.Del(TokenHeader)
	outReq.Header.Del("Authorization")
	outReq.Header.Del("Cookie")
	for _, key := range hopByHopHeaders {
		outReq.Header.Del(key)
	}

	for key, value := range target.Headers {
		outReq.Header.Set(key, value)
	}
	if target.BearerToken != "" {
		outReq.Header.Set("Authorization", "Bearer "+target.BearerToken)
	}
	return outReq, nil
}

func (h *Handler) forward(ctx context.Context, target *backend.HTTPTarget, outReq *http.Request) (*http.Response, error) {
	do := func() (*http.Response, error) {
		resp, err := target.Client.Do(outReq)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendTimeout, err)
			}
			return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendUnreachable, err)
		}
		return resp, nil
	}

	// Only bodyless read methods are safe to retry; anything else may have
	// partially consumed the request body.
	if outReq.Method == http.MethodGet || outReq.Method == http.MethodHead {
		return retry.DoWithResult(ctx, retry.ProxyConfig(), do)
	}
	return do()
}

func (h *Handler) frameFailure(ctx context.Context, w http.ResponseWriter, grant *services.Grant, op string, err error, started time.Time) {
	cfg := h.cfg

	if grant == nil {
		grant = &services.Grant{}
	}

	class := proxy.WriteHTTPFailure(w, err)
	switch class {
	case proxy.ServerError:
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, op, audit.OutcomeBackendFail, time.Since(started), 0, err.Error())
		cfg.Logger.Warn("backend failure",
			zap.String("protocol", cfg.Protocol),
			zap.String("error", logging.SanitizeError(err)))
	default:
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, op, audit.OutcomeDenied, time.Since(started), 0, err.Error())
	}
}

func joinPath(base, rest string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return base + rest
}

func requestIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
