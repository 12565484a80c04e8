package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/audit"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/crypto"
)

func newTestManager(t *testing.T) (*Manager, *crypto.CredentialEncryptor) {
	t.Helper()
	encryptor, err := crypto.NewCredentialEncryptor("backend-test-key")
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	logger := zap.NewNop()
	m := NewManager(Config{}, audit.NewAuditor(logger), logger)
	t.Cleanup(func() { _ = m.Close() })
	return m, encryptor
}

func encryptedHandle(t *testing.T, enc *crypto.CredentialEncryptor, plaintext string) *crypto.SecretHandle {
	t.Helper()
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	return enc.Handle(ciphertext)
}

func TestHTTPAPIBackendIsReused(t *testing.T) {
	m, enc := newTestManager(t)
	id := uuid.New()

	first := encryptedHandle(t, enc, `{"base_url":"https://api.vendor.example"}`)
	target1, err := m.HTTPAPI(context.Background(), id, first)
	if err != nil {
		t.Fatalf("first HTTPAPI failed: %v", err)
	}

	// Second request should reuse the target without opening its handle.
	second := encryptedHandle(t, enc, `{"base_url":"https://api.vendor.example"}`)
	target2, err := m.HTTPAPI(context.Background(), id, second)
	if err != nil {
		t.Fatalf("second HTTPAPI failed: %v", err)
	}

	if target1 != target2 {
		t.Error("expected the same target instance on reuse")
	}
	if second.Consumed() {
		t.Error("credential handle was opened although a backend already existed")
	}
}

func TestBackendsKeyedPerConnector(t *testing.T) {
	m, enc := newTestManager(t)

	a, err := m.HTTPAPI(context.Background(), uuid.New(), encryptedHandle(t, enc, `{"base_url":"https://one.example"}`))
	if err != nil {
		t.Fatalf("HTTPAPI failed: %v", err)
	}
	b, err := m.HTTPAPI(context.Background(), uuid.New(), encryptedHandle(t, enc, `{"base_url":"https://one.example"}`))
	if err != nil {
		t.Fatalf("HTTPAPI failed: %v", err)
	}

	if a == b {
		t.Error("two connectors with identical credentials must not share a backend")
	}
}

func TestCorruptCiphertextIsConnectorUnavailable(t *testing.T) {
	m, enc := newTestManager(t)

	handle := enc.Handle("not-real-ciphertext")
	_, err := m.HTTPAPI(context.Background(), uuid.New(), handle)
	if !errors.Is(err, apperrors.ErrConnectorUnavailable) {
		t.Errorf("err = %v, want ErrConnectorUnavailable", err)
	}
}

func TestInvalidateClosesBackend(t *testing.T) {
	m, enc := newTestManager(t)
	id := uuid.New()

	if _, err := m.HTTPAPI(context.Background(), id, encryptedHandle(t, enc, `{"base_url":"https://api.vendor.example"}`)); err != nil {
		t.Fatalf("HTTPAPI failed: %v", err)
	}
	if got := m.GetStats().TotalBackends; got != 1 {
		t.Fatalf("total backends = %d, want 1", got)
	}

	m.Invalidate(id)
	if got := m.GetStats().TotalBackends; got != 0 {
		t.Errorf("total backends after invalidate = %d, want 0", got)
	}
}

func TestObjectStoreCarriesFixedBucket(t *testing.T) {
	m, enc := newTestManager(t)

	store, err := m.ObjectStore(context.Background(), uuid.New(), encryptedHandle(t, enc,
		`{"endpoint":"s3.internal:9000","access_key":"ak","secret_key":"sk","bucket":"reports"}`))
	if err != nil {
		t.Fatalf("ObjectStore failed: %v", err)
	}
	if store.Bucket != "reports" {
		t.Errorf("bucket = %q, want reports", store.Bucket)
	}
}

func TestGetStatsByKind(t *testing.T) {
	m, enc := newTestManager(t)

	if _, err := m.HTTPAPI(context.Background(), uuid.New(), encryptedHandle(t, enc, `{"base_url":"https://a.example"}`)); err != nil {
		t.Fatalf("HTTPAPI failed: %v", err)
	}
	if _, err := m.ClickHouse(context.Background(), uuid.New(), encryptedHandle(t, enc, `{"url":"http://ch.internal:8123"}`)); err != nil {
		t.Fatalf("ClickHouse failed: %v", err)
	}

	stats := m.GetStats()
	if stats.BackendsByKind["http"] != 1 || stats.BackendsByKind["clickhouse"] != 1 {
		t.Errorf("backends by kind = %v", stats.BackendsByKind)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
