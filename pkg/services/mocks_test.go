package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/audit"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/auth"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/crypto"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/repositories"
)

// fakeConnectorRepository is an in-memory ConnectorRepository with the same
// atomicity semantics as the SQL implementation: RecordAccess is a mutex-
// guarded conditional increment, so concurrency tests exercise real races.
type fakeConnectorRepository struct {
	mu          sync.Mutex
	byID        map[uuid.UUID]*models.ProxyConnector
	tokens      map[string]uuid.UUID // token -> connector ID
	credentials map[uuid.UUID]string // connector ID -> ciphertext
	// links, when set, receives the revocation cascade the SQL
	// implementation performs in its transaction.
	links *fakeSharedLinkRepository
}

func newFakeConnectorRepository() *fakeConnectorRepository {
	return &fakeConnectorRepository{
		byID:        make(map[uuid.UUID]*models.ProxyConnector),
		tokens:      make(map[string]uuid.UUID),
		credentials: make(map[uuid.UUID]string),
	}
}

func (f *fakeConnectorRepository) Create(_ context.Context, c *models.ProxyConnector, token, encrypted string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.OwnerID == c.OwnerID && existing.Name == c.Name {
			return apperrors.ErrConflict
		}
	}
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	copied := *c
	f.byID[c.ID] = &copied
	f.tokens[token] = c.ID
	f.credentials[c.ID] = encrypted
	return nil
}

func (f *fakeConnectorRepository) GetByID(_ context.Context, ownerID string, id uuid.UUID) (*models.ProxyConnector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok || c.OwnerID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeConnectorRepository) GetByToken(_ context.Context, token string) (*models.ProxyConnector, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tokens[token]
	if !ok {
		return nil, "", apperrors.ErrTokenNotFound
	}
	copied := *f.byID[id]
	return &copied, f.credentials[id], nil
}

func (f *fakeConnectorRepository) GetCredentials(_ context.Context, id uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	encrypted, ok := f.credentials[id]
	if !ok {
		return "", apperrors.ErrNotFound
	}
	return encrypted, nil
}

func (f *fakeConnectorRepository) GetTokenByID(_ context.Context, id uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for token, tid := range f.tokens {
		if tid == id {
			return token, nil
		}
	}
	return "", apperrors.ErrNotFound
}

func (f *fakeConnectorRepository) GetForProxy(_ context.Context, id uuid.UUID) (*models.ProxyConnector, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, "", apperrors.ErrNotFound
	}
	copied := *c
	return &copied, f.credentials[id], nil
}

func (f *fakeConnectorRepository) List(_ context.Context, ownerID string) ([]*models.ProxyConnector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ProxyConnector
	for _, c := range f.byID {
		if c.OwnerID == ownerID {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeConnectorRepository) Revoke(_ context.Context, ownerID string, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok || c.OwnerID != ownerID {
		return apperrors.ErrNotFound
	}
	if c.RevokedAt == nil {
		now := time.Now()
		c.RevokedAt = &now
	}
	if f.links != nil {
		f.links.revokeDependents(id)
	}
	return nil
}

func (f *fakeConnectorRepository) RecordAccess(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok || c.RevokedAt != nil {
		return apperrors.ErrTokenRevoked
	}
	c.TotalRequests++
	now := time.Now()
	c.LastAccessedAt = &now
	return nil
}

var _ repositories.ConnectorRepository = (*fakeConnectorRepository)(nil)

// fakeSharedLinkRepository mirrors the store's compare-and-increment for
// ConsumeUse under a mutex.
type fakeSharedLinkRepository struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*models.SharedLink
	tokens map[string]uuid.UUID
}

func newFakeSharedLinkRepository() *fakeSharedLinkRepository {
	return &fakeSharedLinkRepository{
		byID:   make(map[uuid.UUID]*models.SharedLink),
		tokens: make(map[string]uuid.UUID),
	}
}

func (f *fakeSharedLinkRepository) Create(_ context.Context, link *models.SharedLink, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	link.ShareID = uuid.New()
	link.CreatedAt = time.Now()
	copied := *link
	f.byID[link.ShareID] = &copied
	f.tokens[token] = link.ShareID
	return nil
}

func (f *fakeSharedLinkRepository) GetByToken(_ context.Context, token string) (*models.SharedLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.tokens[token]
	if !ok {
		return nil, apperrors.ErrTokenNotFound
	}
	copied := *f.byID[id]
	return &copied, nil
}

func (f *fakeSharedLinkRepository) GetByID(_ context.Context, shareID uuid.UUID) (*models.SharedLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.byID[shareID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *link
	return &copied, nil
}

func (f *fakeSharedLinkRepository) ListByConnector(_ context.Context, connectorID uuid.UUID) ([]*models.SharedLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.SharedLink
	for _, link := range f.byID {
		if link.ConnectorID != nil && *link.ConnectorID == connectorID {
			copied := *link
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeSharedLinkRepository) ConsumeUse(_ context.Context, shareID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.byID[shareID]
	if !ok {
		return 0, apperrors.ErrTokenNotFound
	}
	if link.RevokedAt != nil {
		return 0, apperrors.ErrTokenRevoked
	}
	if link.MaxUses != nil && link.CurrentUses >= *link.MaxUses {
		return 0, apperrors.ErrTokenExhausted
	}
	link.CurrentUses++
	return link.CurrentUses, nil
}

func (f *fakeSharedLinkRepository) Revoke(_ context.Context, shareID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.byID[shareID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if link.RevokedAt == nil {
		now := time.Now()
		link.RevokedAt = &now
	}
	return nil
}

// revokeDependents mimics the SQL cascade the real repository performs
// inside the connector revocation transaction.
func (f *fakeSharedLinkRepository) revokeDependents(connectorID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, link := range f.byID {
		if link.ConnectorID != nil && *link.ConnectorID == connectorID && link.RevokedAt == nil {
			link.RevokedAt = &now
		}
	}
}

var _ repositories.SharedLinkRepository = (*fakeSharedLinkRepository)(nil)

// stubVerifier accepts any token whose string matches accept.
type stubVerifier struct {
	accept  string
	subject string
}

func (s *stubVerifier) Verify(tokenString string) (*auth.Claims, error) {
	if tokenString != s.accept {
		return nil, apperrors.ErrAuthenticationRequired
	}
	claims := &auth.Claims{}
	claims.Subject = s.subject
	return claims, nil
}

var _ auth.Verifier = (*stubVerifier)(nil)

// testHarness wires the service stack over in-memory fakes.
type testHarness struct {
	connRepo   *fakeConnectorRepository
	linkRepo   *fakeSharedLinkRepository
	encryptor  *crypto.CredentialEncryptor
	verifier   *stubVerifier
	connectors ConnectorService
	links      SharedLinkService
	accountant Accountant
	resolver   Resolver
}

func newTestHarness(t interface{ Fatalf(string, ...any) }) *testHarness {
	encryptor, err := crypto.NewCredentialEncryptor("test-key-for-harness")
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	logger := zap.NewNop()
	auditor := audit.NewAuditor(logger)
	connRepo := newFakeConnectorRepository()
	linkRepo := newFakeSharedLinkRepository()
	connRepo.links = linkRepo
	verifier := &stubVerifier{accept: "valid-jwt", subject: "caller-1"}

	connectors := NewConnectorService(connRepo, linkRepo, encryptor, nil, 0, auditor, logger)
	links := NewSharedLinkService(linkRepo, auditor, logger)
	accountant := NewAccountant(connRepo, linkRepo, auditor, logger)
	resolver := NewResolver(connectors, linkRepo, connRepo, verifier, accountant, encryptor, logger)

	return &testHarness{
		connRepo:   connRepo,
		linkRepo:   linkRepo,
		encryptor:  encryptor,
		verifier:   verifier,
		connectors: connectors,
		links:      links,
		accountant: accountant,
		resolver:   resolver,
	}
}

// mustCreateConnector registers a connector and returns it with its token.
func (h *testHarness) mustCreateConnector(t interface{ Fatalf(string, ...any) }, connectorType models.ConnectorType, ops []string) (*models.ProxyConnector, string) {
	created, err := h.connectors.Create(context.Background(), &CreateConnectorRequest{
		OwnerID:           "owner-1",
		Name:              "conn-" + uuid.NewString(),
		ConnectorType:     connectorType,
		Credentials:       `{"host":"db.internal","port":5432,"user":"app","password":"hunter2","database":"app"}`,
		AllowedOperations: ops,
	})
	if err != nil {
		t.Fatalf("failed to create connector: %v", err)
	}
	return created.Connector, created.Token
}

func boolPtr(v bool) *bool { return &v }
