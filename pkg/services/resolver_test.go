package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
)

func TestAuthorizeConnectorToken(t *testing.T) {
	h := newTestHarness(t)
	connector, token := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT", "INSERT"})

	grant, err := h.resolver.Authorize(context.Background(), &AccessRequest{
		Token:        token,
		Operation:    "SELECT",
		ExpectedType: models.TypePostgres,
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if grant.ConnectorID != connector.ID {
		t.Errorf("grant connector = %s, want %s", grant.ConnectorID, connector.ID)
	}
	if grant.Credentials == nil {
		t.Fatal("grant carries no credential handle")
	}

	plaintext, err := grant.Credentials.Open()
	if err != nil {
		t.Fatalf("failed to open credential handle: %v", err)
	}
	if plaintext == "" {
		t.Error("credential handle opened to empty plaintext")
	}
}

func TestAuthorizeUnknownPrefixNeverHitsStore(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.resolver.Authorize(context.Background(), &AccessRequest{Token: "sk_live_garbage"})
	if !errors.Is(err, apperrors.ErrTokenNotFound) {
		t.Errorf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestAuthorizeUnknownToken(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.resolver.Authorize(context.Background(), &AccessRequest{Token: "vlc_doesnotexist"})
	if !errors.Is(err, apperrors.ErrTokenNotFound) {
		t.Errorf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestAuthorizeDisallowedOperation(t *testing.T) {
	h := newTestHarness(t)
	connector, token := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	_, err := h.resolver.Authorize(context.Background(), &AccessRequest{
		Token:     token,
		Operation: "DROP",
	})
	if !errors.Is(err, apperrors.ErrOperationNotAllowed) {
		t.Fatalf("err = %v, want ErrOperationNotAllowed", err)
	}

	// A denied operation must not count as usage.
	got, _ := h.connRepo.GetByID(context.Background(), "owner-1", connector.ID)
	if got.TotalRequests != 0 {
		t.Errorf("total_requests = %d after denial, want 0", got.TotalRequests)
	}
}

func TestAuthorizeWrongListenerLooksLikeUnknownToken(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.mustCreateConnector(t, models.TypeMongoDB, []string{"FIND"})

	_, err := h.resolver.Authorize(context.Background(), &AccessRequest{
		Token:        token,
		Operation:    "SELECT",
		ExpectedType: models.TypePostgres,
	})
	if !errors.Is(err, apperrors.ErrTokenNotFound) {
		t.Errorf("err = %v, want ErrTokenNotFound (no existence leak)", err)
	}
}

func TestAuthorizeRevokedConnector(t *testing.T) {
	h := newTestHarness(t)
	connector, token := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	if err := h.connectors.Revoke(context.Background(), "owner-1", connector.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	_, err := h.resolver.Authorize(context.Background(), &AccessRequest{Token: token, Operation: "SELECT"})
	if !errors.Is(err, apperrors.ErrTokenRevoked) {
		t.Errorf("err = %v, want ErrTokenRevoked", err)
	}
}

func TestAuthorizeShareExpiredBeforeExhausted(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	past := time.Now().Add(-time.Hour)
	maxUses := 1
	created, err := h.links.Create(context.Background(), &CreateShareRequest{
		ConnectorID: &connector.ID,
		ExpiresAt:   &past,
		MaxUses:     &maxUses,
	})
	if err == nil {
		t.Fatal("expected creation with past expiry to fail")
	}

	// Create with a near-future expiry instead, then age it out.
	soon := time.Now().Add(50 * time.Millisecond)
	created, err = h.links.Create(context.Background(), &CreateShareRequest{
		ConnectorID:  &connector.ID,
		RequiresAuth: boolPtr(false),
		ExpiresAt:    &soon,
		MaxUses:      &maxUses,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Exhaust the single use while still valid.
	if _, err := h.resolver.Authorize(context.Background(), &AccessRequest{Token: created.Token, Operation: "SELECT"}); err != nil {
		t.Fatalf("first use failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	// Both expired and exhausted now; expiry must win.
	_, err = h.resolver.Authorize(context.Background(), &AccessRequest{Token: created.Token, Operation: "SELECT"})
	if !errors.Is(err, apperrors.ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired (expiry checked before exhaustion)", err)
	}
}

func TestAuthorizeSharePassword(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	created, err := h.links.Create(context.Background(), &CreateShareRequest{
		ConnectorID:  &connector.ID,
		RequiresAuth: boolPtr(false),
		Password:     "s3cret",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tests := []struct {
		name     string
		password string
		wantErr  error
	}{
		{"missing password", "", apperrors.ErrPasswordRequired},
		{"wrong password", "nope", apperrors.ErrPasswordIncorrect},
		{"correct password", "s3cret", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.resolver.Authorize(context.Background(), &AccessRequest{
				Token:     created.Token,
				Operation: "SELECT",
				Password:  tt.password,
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthorizeShareRequiresAuthentication(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	created, err := h.links.Create(context.Background(), &CreateShareRequest{
		ConnectorID:  &connector.ID,
		RequiresAuth: boolPtr(true),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = h.resolver.Authorize(context.Background(), &AccessRequest{Token: created.Token, Operation: "SELECT"})
	if !errors.Is(err, apperrors.ErrAuthenticationRequired) {
		t.Fatalf("no identity: err = %v, want ErrAuthenticationRequired", err)
	}

	_, err = h.resolver.Authorize(context.Background(), &AccessRequest{
		Token:         created.Token,
		Operation:     "SELECT",
		IdentityToken: "forged-jwt",
	})
	if !errors.Is(err, apperrors.ErrAuthenticationRequired) {
		t.Fatalf("bad identity: err = %v, want ErrAuthenticationRequired", err)
	}

	grant, err := h.resolver.Authorize(context.Background(), &AccessRequest{
		Token:         created.Token,
		Operation:     "SELECT",
		IdentityToken: "valid-jwt",
	})
	if err != nil {
		t.Fatalf("valid identity rejected: %v", err)
	}
	if grant.Caller != "caller-1" {
		t.Errorf("caller = %q, want caller-1", grant.Caller)
	}
}

// Bounded links admit exactly max_uses requests no matter how many arrive
// concurrently.
func TestAuthorizeBoundedLinkUnderConcurrency(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	const maxUses = 25
	const attempts = 100

	uses := maxUses
	created, err := h.links.Create(context.Background(), &CreateShareRequest{
		ConnectorID:  &connector.ID,
		RequiresAuth: boolPtr(false),
		MaxUses:      &uses,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.resolver.Authorize(context.Background(), &AccessRequest{
				Token:     created.Token,
				Operation: "SELECT",
			})
			results <- err
		}()
	}

	close(start)
	wg.Wait()
	close(results)

	var granted, exhausted int
	for err := range results {
		switch {
		case err == nil:
			granted++
		case errors.Is(err, apperrors.ErrTokenExhausted):
			exhausted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if granted != maxUses {
		t.Errorf("granted = %d, want exactly %d", granted, maxUses)
	}
	if exhausted != attempts-maxUses {
		t.Errorf("exhausted = %d, want %d", exhausted, attempts-maxUses)
	}

	status, err := h.links.GetStatus(context.Background(), created.Link.ShareID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.Link.CurrentUses != maxUses {
		t.Errorf("current_uses = %d, want %d", status.Link.CurrentUses, maxUses)
	}
	if status.Status != models.LinkExhausted {
		t.Errorf("status = %s, want exhausted", status.Status)
	}
}
