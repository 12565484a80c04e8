// Package clickhouse relays the ClickHouse HTTP interface. Clients speak
// the same protocol they would against a real ClickHouse server; the
// gateway swaps the access token for the vault credentials and streams the
// response format verbatim.
package clickhouse

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
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
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/sqlparse"
)

// maxQueryBytes bounds the SQL read from a request body.
const maxQueryBytes = 16 << 20

// RelayResult is the real server's response, streamed to the client as-is.
// Statement errors keep ClickHouse's own status and exception text; the
// client wrote the query and may see its diagnostics.
type RelayResult struct {
	Status      int
	ContentType string
	// ExceptionCode is ClickHouse's X-ClickHouse-Exception-Code header,
	// forwarded when present.
	ExceptionCode string
	Body          io.ReadCloser
}

// QueryRelay forwards one authorized query to the real server.
type QueryRelay interface {
	Relay(ctx context.Context, query string, params url.Values) (*RelayResult, error)
}

// RelayFactory exchanges a grant for a QueryRelay.
type RelayFactory func(ctx context.Context, grant *services.Grant) (QueryRelay, error)

// NewRelayFactory serves clickhouse connectors from managed HTTP targets.
func NewRelayFactory(manager *backend.Manager) RelayFactory {
	return func(ctx context.Context, grant *services.Grant) (QueryRelay, error) {
		target, err := manager.ClickHouse(ctx, grant.ConnectorID, grant.Credentials)
		if err != nil {
			return nil, err
		}
		return &httpRelay{target: target}, nil
	}
}

type httpRelay struct {
	target *backend.ClickHouseTarget
}

func (r *httpRelay) Relay(ctx context.Context, query string, params url.Values) (*RelayResult, error) {
	endpoint := *r.target.URL
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendUnreachable, err)
	}
	req.Header.Set("X-ClickHouse-User", r.target.User)
	req.Header.Set("X-ClickHouse-Key", r.target.Password)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := r.target.Client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendUnreachable, err)
	}

	return &RelayResult{
		Status:        resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ExceptionCode: resp.Header.Get("X-ClickHouse-Exception-Code"),
		Body:          resp.Body,
	}, nil
}

// Config wires the clickhouse handler.
type Config struct {
	Protocol   string
	Resolver   services.Resolver
	Accountant services.Accountant
	Relay      RelayFactory

	ResponseTimeout time.Duration

	Logger *zap.Logger
}

// Handler serves the ClickHouse HTTP dialect.
type Handler struct {
	cfg Config
}

// NewHandler creates a clickhouse HTTP handler.
func NewHandler(cfg Config) *Handler {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 60 * time.Second
	}
	return &Handler{cfg: cfg}
}

// passthroughParams are client query parameters forwarded to the real
// server. Credentials and the query itself are re-framed by the gateway.
var passthroughParams = map[string]bool{
	"database":             true,
	"default_format":       true,
	"max_result_rows":      true,
	"max_result_bytes":     true,
	"result_overflow_mode": true,
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg
	started := time.Now()
	clientIP := requestIP(r)

	token := r.Header.Get("X-ClickHouse-User")
	if token == "" {
		token = r.URL.Query().Get("user")
	}
	if services.ClassifyToken(token) == services.TokenUnknown {
		http.Error(w, proxy.ClientMessage(proxy.AccessDenied), proxy.HTTPStatus(proxy.AccessDenied))
		return
	}

	query, err := h.readQuery(r)
	if err != nil {
		http.Error(w, proxy.ClientMessage(proxy.BadRequest), proxy.HTTPStatus(proxy.BadRequest))
		return
	}

	validation := sqlparse.ValidateAndNormalize(query)
	if validation.Error != nil || validation.NormalizedSQL == "" {
		http.Error(w, proxy.ClientMessage(proxy.BadRequest), proxy.HTTPStatus(proxy.BadRequest))
		return
	}
	statement := validation.NormalizedSQL

	verb, err := sqlparse.Verb(statement)
	if err != nil {
		http.Error(w, proxy.ClientMessage(proxy.BadRequest), proxy.HTTPStatus(proxy.BadRequest))
		return
	}

	grant, err := cfg.Resolver.Authorize(r.Context(), &services.AccessRequest{
		Token:        token,
		Operation:    verb,
		ExpectedType: models.TypeClickHouse,
		Protocol:     cfg.Protocol,
		ClientIP:     clientIP,
	})
	if err != nil {
		h.frameFailure(r.Context(), w, nil, verb, err, started)
		return
	}

	relayCtx, cancel := context.WithTimeout(r.Context(), cfg.ResponseTimeout)
	defer cancel()

	relay, err := cfg.Relay(relayCtx, grant)
	if err != nil {
		h.frameFailure(r.Context(), w, grant, verb, err, started)
		return
	}

	params := forwardedParams(r.URL.Query())

	var result *RelayResult
	if sqlparse.IsReadOnly(verb) {
		result, err = retry.DoWithResult(relayCtx, retry.ProxyConfig(), func() (*RelayResult, error) {
			return relay.Relay(relayCtx, statement, params)
		})
	} else {
		result, err = relay.Relay(relayCtx, statement, params)
	}
	if err != nil {
		h.frameFailure(r.Context(), w, grant, verb, err, started)
		return
	}
	defer result.Body.Close() //nolint:errcheck

	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	if result.ExceptionCode != "" {
		w.Header().Set("X-ClickHouse-Exception-Code", result.ExceptionCode)
	}
	w.WriteHeader(result.Status)
	bytes, _ := io.Copy(w, result.Body)

	outcome := audit.OutcomeAllowed
	reason := ""
	if result.Status >= http.StatusBadRequest {
		// The real server rejected the statement; its diagnostics already
		// went to the client verbatim.
		outcome = audit.OutcomeBackendFail
		reason = "statement error"
	}
	cfg.Accountant.RecordOutcome(r.Context(), grant, cfg.Protocol, verb, outcome, time.Since(started), bytes, reason)
}

// readQuery takes the SQL from the `query` parameter or the request body,
// the two places the ClickHouse HTTP interface accepts it.
func (h *Handler) readQuery(r *http.Request) (string, error) {
	if q := r.URL.Query().Get("query"); q != "" {
		return q, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func forwardedParams(query url.Values) url.Values {
	params := url.Values{}
	for key, values := range query {
		if !passthroughParams[key] {
			continue
		}
		for _, v := range values {
			params.Add(key, v)
		}
	}
	return params
}

func (h *Handler) frameFailure(ctx context.Context, w http.ResponseWriter, grant *services.Grant, verb string, err error, started time.Time) {
	cfg := h.cfg

	if grant == nil {
		grant = &services.Grant{}
	}

	class := proxy.WriteHTTPFailure(w, err)
	switch class {
	case proxy.ServerError:
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, verb, audit.OutcomeBackendFail, time.Since(started), 0, err.Error())
		cfg.Logger.Warn("backend failure",
			zap.String("protocol", cfg.Protocol),
			zap.String("error", logging.SanitizeError(err)))
	default:
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, verb, audit.OutcomeDenied, time.Since(started), 0, err.Error())
	}
}

func requestIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
