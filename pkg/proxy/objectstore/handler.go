// Package objectstore serves a minimal S3 REST dialect. The request path is
// the object key inside the connector's fixed bucket; the bucket itself is
// never client-addressable.
package objectstore

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
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

// maxListedObjects caps one LIST response.
const maxListedObjects = 1000

// Object is a stored object opened for reading.
type Object struct {
	Reader       io.ReadCloser
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// ObjectInfo describes one object in a listing.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectError is an object-level failure from the real store (missing key,
// denied key, and so on). The client addressed the object, so the store's
// own code travels back.
type ObjectError struct {
	Status  int
	Code    string
	Message string
}

func (e *ObjectError) Error() string { return e.Message }

// Backend performs the four object operations against the real store.
type Backend interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// BackendFactory exchanges a grant for a Backend.
type BackendFactory func(ctx context.Context, grant *services.Grant) (Backend, error)

// NewMinioBackendFactory serves s3 connectors from managed minio clients.
func NewMinioBackendFactory(manager *backend.Manager) BackendFactory {
	return func(ctx context.Context, grant *services.Grant) (Backend, error) {
		client, err := manager.ObjectStore(ctx, grant.ConnectorID, grant.Credentials)
		if err != nil {
			return nil, err
		}
		return &minioBackend{client: client}, nil
	}
}

type minioBackend struct {
	client *backend.ObjectStoreClient
}

func (b *minioBackend) Get(ctx context.Context, key string) (*Object, error) {
	obj, err := b.client.Client.GetObject(ctx, b.client.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapStoreError(ctx, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		obj.Close() //nolint:errcheck
		return nil, mapStoreError(ctx, err)
	}
	return &Object{
		Reader:       obj,
		Size:         stat.Size,
		ContentType:  stat.ContentType,
		ETag:         stat.ETag,
		LastModified: stat.LastModified,
	}, nil
}

func (b *minioBackend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := b.client.Client.PutObject(ctx, b.client.Bucket, key, body, size,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return mapStoreError(ctx, err)
	}
	return nil
}

func (b *minioBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Client.RemoveObject(ctx, b.client.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return mapStoreError(ctx, err)
	}
	return nil
}

func (b *minioBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	for obj := range b.client.Client.ListObjects(ctx, b.client.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, mapStoreError(ctx, obj.Err)
		}
		infos = append(infos, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
		})
		if len(infos) >= maxListedObjects {
			break
		}
	}
	return infos, nil
}

func mapStoreError(ctx context.Context, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code != "" && resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &ObjectError{Status: resp.StatusCode, Code: resp.Code, Message: resp.Message}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", apperrors.ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrBackendUnreachable, err)
}

// Config wires the objectstore handler.
type Config struct {
	Protocol   string
	Resolver   services.Resolver
	Accountant services.Accountant
	Backend    BackendFactory

	ResponseTimeout time.Duration

	Logger *zap.Logger
}

// Handler serves the object-store dialect.
type Handler struct {
	cfg Config
}

// NewHandler creates an objectstore HTTP handler.
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

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("X-VaultLink-Token")
	}
	if services.ClassifyToken(token) == services.TokenUnknown {
		http.Error(w, proxy.ClientMessage(proxy.AccessDenied), proxy.HTTPStatus(proxy.AccessDenied))
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/")
	op, ok := operationFor(r.Method, key)
	if !ok {
		http.Error(w, proxy.ClientMessage(proxy.BadRequest), proxy.HTTPStatus(proxy.BadRequest))
		return
	}

	grant, err := cfg.Resolver.Authorize(r.Context(), &services.AccessRequest{
		Token:        token,
		Operation:    op,
		ExpectedType: models.TypeObjectStore,
		Protocol:     cfg.Protocol,
		ClientIP:     clientIP,
	})
	if err != nil {
		h.frameFailure(r.Context(), w, nil, op, err, started)
		return
	}

	opCtx, cancel := context.WithTimeout(r.Context(), cfg.ResponseTimeout)
	defer cancel()

	store, err := cfg.Backend(opCtx, grant)
	if err != nil {
		h.frameFailure(r.Context(), w, grant, op, err, started)
		return
	}

	var bytes int64
	switch op {
	case "GET":
		bytes, err = h.serveGet(opCtx, w, store, key)
	case "PUT":
		err = store.Put(opCtx, key, r.Body, r.ContentLength, r.Header.Get("Content-Type"))
		if err == nil {
			w.WriteHeader(http.StatusOK)
		}
	case "DELETE":
		err = store.Delete(opCtx, key)
		if err == nil {
			w.WriteHeader(http.StatusNoContent)
		}
	case "LIST":
		bytes, err = h.serveList(opCtx, w, store, r.URL.Query().Get("prefix"))
	}
	if err != nil {
		h.frameFailure(r.Context(), w, grant, op, err, started)
		return
	}

	cfg.Accountant.RecordOutcome(r.Context(), grant, cfg.Protocol, op, audit.OutcomeAllowed, time.Since(started), bytes, "")
}

func (h *Handler) serveGet(ctx context.Context, w http.ResponseWriter, store Backend, key string) (int64, error) {
	obj, err := retry.DoWithResult(ctx, retry.ProxyConfig(), func() (*Object, error) {
		return store.Get(ctx, key)
	})
	if err != nil {
		return 0, err
	}
	defer obj.Reader.Close() //nolint:errcheck

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	if obj.ETag != "" {
		w.Header().Set("ETag", `"`+obj.ETag+`"`)
	}
	if obj.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	return io.Copy(w, obj.Reader)
}

// listResult is the ListBucketResult shape S3 clients expect.
type listResult struct {
	XMLName  xml.Name      `xml:"ListBucketResult"`
	Prefix   string        `xml:"Prefix"`
	Contents []listContent `xml:"Contents"`
}

type listContent struct {
	Key          string `xml:"Key"`
	Size         int64  `xml:"Size"`
	ETag         string `xml:"ETag"`
	LastModified string `xml:"LastModified"`
}

func (h *Handler) serveList(ctx context.Context, w http.ResponseWriter, store Backend, prefix string) (int64, error) {
	infos, err := retry.DoWithResult(ctx, retry.ProxyConfig(), func() ([]ObjectInfo, error) {
		return store.List(ctx, prefix)
	})
	if err != nil {
		return 0, err
	}

	result := listResult{Prefix: prefix}
	for _, info := range infos {
		result.Contents = append(result.Contents, listContent{
			Key:          info.Key,
			Size:         info.Size,
			ETag:         info.ETag,
			LastModified: info.LastModified.UTC().Format(time.RFC3339),
		})
	}

	body, err := xml.Marshal(result)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrBackendUnreachable, err)
	}

	w.Header().Set("Content-Type", "application/xml")
	n, err := w.Write(append([]byte(xml.Header), body...))
	return int64(n), err
}

func (h *Handler) frameFailure(ctx context.Context, w http.ResponseWriter, grant *services.Grant, op string, err error, started time.Time) {
	cfg := h.cfg

	if grant == nil {
		grant = &services.Grant{}
	}

	// Object-level errors are the client's own; relay the store's code.
	var objErr *ObjectError
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

// operationFor maps method and key presence to the connector operation.
// GET on the bucket root is a listing; object bodies are never listed.
func operationFor(method, key string) (string, bool) {
	switch method {
	case http.MethodGet, http.MethodHead:
		if key == "" {
			return "LIST", true
		}
		return "GET", true
	case http.MethodPut:
		if key == "" {
			return "", false
		}
		return "PUT", true
	case http.MethodDelete:
		if key == "" {
			return "", false
		}
		return "DELETE", true
	default:
		return "", false
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func requestIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
