// Package sharelink serves the public /s/{token} endpoints. A share link
// URL is the whole credential: the path carries the token, an optional
// password arrives as a header or basic-auth password, and an optional
// identity arrives as a bearer JWT. HTTP-representable connectors are
// relayed; everything else answers with link metadata.
package sharelink

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy/objectstore"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/services"
)

// PasswordHeader carries the share password when the client cannot use
// basic auth.
const PasswordHeader = "X-Share-Password"

// Config wires the sharelink handler. The two relay factories are shared
// with the httpapi and objectstore listeners.
type Config struct {
	Protocol   string
	Resolver   services.Resolver
	Accountant services.Accountant

	HTTPTarget  func(ctx context.Context, grant *services.Grant) (*backend.HTTPTarget, error)
	ObjectStore objectstore.BackendFactory

	ResponseTimeout time.Duration

	Logger *zap.Logger
}

// Handler serves public shared-link requests.
type Handler struct {
	cfg Config
}

// NewHandler creates a sharelink HTTP handler.
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

	token, rest, slashed, ok := splitSharePath(r.URL.Path)
	if !ok {
		http.Error(w, proxy.ClientMessage(proxy.BadRequest), proxy.HTTPStatus(proxy.BadRequest))
		return
	}
	// Only share tokens are public; a connector token on this surface is
	// denied like any other bad credential.
	if services.ClassifyToken(token) != services.TokenShare {
		http.Error(w, proxy.ClientMessage(proxy.AccessDenied), proxy.HTTPStatus(proxy.AccessDenied))
		return
	}

	op, ok := operationFor(r.Method, rest, slashed)
	if !ok {
		http.Error(w, proxy.ClientMessage(proxy.BadRequest), proxy.HTTPStatus(proxy.BadRequest))
		return
	}

	grant, err := cfg.Resolver.Authorize(r.Context(), &services.AccessRequest{
		Token:         token,
		Operation:     op,
		Password:      sharePassword(r),
		IdentityToken: bearerToken(r),
		Protocol:      cfg.Protocol,
		ClientIP:      clientIP,
	})
	if err != nil {
		h.frameFailure(r.Context(), w, nil, op, err, started)
		return
	}

	relayCtx, cancel := context.WithTimeout(r.Context(), cfg.ResponseTimeout)
	defer cancel()

	var bytes int64
	switch {
	case op == "":
		bytes, err = h.serveMetadata(w, grant)
	case grant.ConnectorType == models.TypeHTTPAPI:
		bytes, err = h.relayHTTP(relayCtx, w, r, grant, rest)
	case grant.ConnectorType == models.TypeObjectStore:
		bytes, err = h.relayObject(relayCtx, w, r, grant, op, rest)
	default:
		// SQL and document connectors are not HTTP-representable; the
		// client asked for an operation this surface cannot carry.
		http.Error(w, proxy.ClientMessage(proxy.BadRequest), proxy.HTTPStatus(proxy.BadRequest))
		cfg.Accountant.RecordOutcome(r.Context(), grant, cfg.Protocol, op, audit.OutcomeDenied, time.Since(started), 0, "operation not representable over http")
		return
	}
	if err != nil {
		h.frameFailure(r.Context(), w, grant, op, err, started)
		return
	}

	cfg.Accountant.RecordOutcome(r.Context(), grant, cfg.Protocol, op, audit.OutcomeAllowed, time.Since(started), bytes, "")
}

// linkMetadata is the public description of a share. It names what the
// link reaches and how, never the owner or the stored credentials.
type linkMetadata struct {
	Kind      string `json:"kind"`
	DatasetID string `json:"dataset_id,omitempty"`
	// UsesRemainingAfter reports the use count consumed by this request
	// for bounded links.
	UseClaimed *int   `json:"use_claimed,omitempty"`
	Hint       string `json:"hint,omitempty"`
}

func (h *Handler) serveMetadata(w http.ResponseWriter, grant *services.Grant) (int64, error) {
	meta := linkMetadata{UseClaimed: grant.UsesAfterClaim}

	switch {
	case grant.DatasetID != nil:
		meta.Kind = "dataset"
		meta.DatasetID = grant.DatasetID.String()
	case grant.ConnectorType == models.TypeHTTPAPI:
		meta.Kind = string(grant.ConnectorType)
		meta.Hint = "append an API path to this URL to call the shared service"
	case grant.ConnectorType == models.TypeObjectStore:
		meta.Kind = string(grant.ConnectorType)
		meta.Hint = "append an object key to this URL, or a trailing slash to list"
	default:
		meta.Kind = string(grant.ConnectorType)
		meta.Hint = fmt.Sprintf("connect to the %s listener using this link token as the username", grant.ConnectorType)
	}

	body, err := json.Marshal(meta)
	if err != nil {
		return 0, err
	}
	w.Header().Set("Content-Type", "application/json")
	n, err := w.Write(body)
	return int64(n), err
}

// relayHTTP forwards the request past the /s/{token} prefix to the
// connector's real base URL, substituting the vault credentials.
func (h *Handler) relayHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request, grant *services.Grant, rest string) (int64, error) {
	target, err := h.cfg.HTTPTarget(ctx, grant)
	if err != nil {
		return 0, err
	}

	upstream := *target.BaseURL
	upstream.Path = joinPath(target.BaseURL.Path, rest)
	upstream.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequestWithContext(ctx, r.Method, upstream.String(), r.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrMalformedRequest, err)
	}
	outReq.ContentLength = r.ContentLength
	outReq.Header = r.Header.Clone()
	outReq.Header.Del(PasswordHeader)
	outReq.Header.Del("Authorization")
	outReq.Header.Del("Cookie")
	for key, value := range target.Headers {
		outReq.Header.Set(key, value)
	}
	if target.BearerToken != "" {
		outReq.Header.Set("Authorization", "Bearer "+target.BearerToken)
	}

	resp, err := target.Client.Do(outReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return 0, fmt.Errorf("%w: %v", apperrors.ErrBackendTimeout, err)
		}
		return 0, fmt.Errorf("%w: %v", apperrors.ErrBackendUnreachable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	bytes, _ := io.Copy(w, resp.Body)
	return bytes, nil
}

// relayObject serves object reads and listings through the shared
// objectstore backend. Object shares are read-only on this surface: any
// other operation is refused before the store is touched, even when the
// connector itself would allow it.
func (h *Handler) relayObject(ctx context.Context, w http.ResponseWriter, r *http.Request, grant *services.Grant, op, rest string) (int64, error) {
	store, err := h.cfg.ObjectStore(ctx, grant)
	if err != nil {
		return 0, err
	}

	switch op {
	case "LIST":
		infos, err := store.List(ctx, r.URL.Query().Get("prefix"))
		if err != nil {
			return 0, err
		}
		keys := make([]string, 0, len(infos))
		for _, info := range infos {
			keys = append(keys, info.Key)
		}
		body, err := json.Marshal(map[string]any{"objects": keys})
		if err != nil {
			return 0, err
		}
		w.Header().Set("Content-Type", "application/json")
		n, err := w.Write(body)
		return int64(n), err
	case "GET":
		obj, err := store.Get(ctx, rest)
		if err != nil {
			return 0, err
		}
		defer obj.Reader.Close() //nolint:errcheck

		if obj.ContentType != "" {
			w.Header().Set("Content-Type", obj.ContentType)
		}
		return io.Copy(w, obj.Reader)
	default:
		return 0, fmt.Errorf("%w: %s is not available on a shared object store", apperrors.ErrMalformedRequest, op)
	}
}

func (h *Handler) frameFailure(ctx context.Context, w http.ResponseWriter, grant *services.Grant, op string, err error, started time.Time) {
	cfg := h.cfg

	if grant == nil {
		grant = &services.Grant{}
	}

	// Object-level errors keep the store's code; the client named the key.
	var objErr *objectstore.ObjectError
	if errors.As(err, &objErr) {
		http.Error(w, objErr.Code+": "+objErr.Message, objErr.Status)
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, op, audit.OutcomeBackendFail, time.Since(started), 0, "object error")
		return
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

// splitSharePath separates /s/{token}[/rest] into its parts. slashed
// distinguishes "the link itself" (/s/tok) from "the root of what it
// shares" (/s/tok/).
func splitSharePath(path string) (token, rest string, slashed, ok bool) {
	trimmed, found := strings.CutPrefix(path, "/s/")
	if !found || trimmed == "" {
		return "", "", false, false
	}
	token, rest, slashed = strings.Cut(trimmed, "/")
	return token, rest, slashed, true
}

// operationFor maps the request shape to the operation authorized against
// the underlying connector. A bare GET on the link is a metadata fetch and
// carries no operation; GET on the shared root is a listing.
func operationFor(method, rest string, slashed bool) (string, bool) {
	hasRest := rest != ""
	switch method {
	case http.MethodGet, http.MethodHead:
		if !hasRest {
			if slashed {
				return "LIST", true
			}
			return "", true
		}
		return "GET", true
	case http.MethodPost:
		return "POST", hasRest
	case http.MethodPut:
		return "PUT", hasRest
	case http.MethodPatch:
		return "PATCH", hasRest
	case http.MethodDelete:
		return "DELETE", hasRest
	default:
		return "", false
	}
}

func sharePassword(r *http.Request) string {
	if password := r.Header.Get(PasswordHeader); password != "" {
		return password
	}
	if _, password, ok := r.BasicAuth(); ok {
		return password
	}
	return ""
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
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
