package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
)

func TestCreateShareRequiresExactlyOneReference(t *testing.T) {
	h := newTestHarness(t)
	connectorID := uuid.New()
	datasetID := uuid.New()

	tests := []struct {
		name string
		req  CreateShareRequest
	}{
		{"neither reference", CreateShareRequest{}},
		{"both references", CreateShareRequest{ConnectorID: &connectorID, DatasetID: &datasetID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.links.Create(context.Background(), &tt.req)
			if !errors.Is(err, apperrors.ErrMalformedRequest) {
				t.Errorf("err = %v, want ErrMalformedRequest", err)
			}
		})
	}
}

func TestCreateShareDefaults(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	created, err := h.links.Create(context.Background(), &CreateShareRequest{
		ConnectorID:       &connector.ID,
		ConnectorIsPublic: true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	link := created.Link
	if link.RequiresAuth {
		t.Error("link to a public connector requires authentication, want open")
	}
	if link.HasPassword {
		t.Error("default link has a password")
	}
	if link.ExpiresAt != nil || link.MaxUses != nil {
		t.Error("default link is bounded, want unlimited")
	}
	if !strings.HasPrefix(created.Token, "vls_") {
		t.Errorf("token %q missing vls_ prefix", created.Token)
	}
	if link.PublicURLPath != "/s/"+created.Token {
		t.Errorf("public URL path = %q, want /s/{token}", link.PublicURLPath)
	}
}

// A link to a restricted connector requires caller authentication unless
// the owner opts out explicitly.
func TestCreateShareAuthDefaultForRestrictedConnector(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	created, err := h.links.Create(context.Background(), &CreateShareRequest{ConnectorID: &connector.ID})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created.Link.RequiresAuth {
		t.Error("link to a restricted connector defaults to unauthenticated")
	}

	optOut, err := h.links.Create(context.Background(), &CreateShareRequest{
		ConnectorID:  &connector.ID,
		RequiresAuth: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if optOut.Link.RequiresAuth {
		t.Error("explicit opt-out ignored")
	}
}

func TestCreateShareRejectsPastExpiry(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	past := time.Now().Add(-time.Minute)
	_, err := h.links.Create(context.Background(), &CreateShareRequest{
		ConnectorID: &connector.ID,
		ExpiresAt:   &past,
	})
	if !errors.Is(err, apperrors.ErrMalformedRequest) {
		t.Errorf("err = %v, want ErrMalformedRequest", err)
	}
}

func TestCreateShareRejectsZeroMaxUses(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	zero := 0
	_, err := h.links.Create(context.Background(), &CreateShareRequest{
		ConnectorID: &connector.ID,
		MaxUses:     &zero,
	})
	if !errors.Is(err, apperrors.ErrMalformedRequest) {
		t.Errorf("err = %v, want ErrMalformedRequest", err)
	}
}

func TestSharePasswordIsHashedNotStored(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	created, err := h.links.Create(context.Background(), &CreateShareRequest{
		ConnectorID: &connector.ID,
		Password:    "topsecret",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if created.Link.PasswordHash == nil {
		t.Fatal("password hash not stored")
	}
	if strings.Contains(*created.Link.PasswordHash, "topsecret") {
		t.Error("password stored in plaintext")
	}
}

func TestRevokeShareIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	created, err := h.links.Create(context.Background(), &CreateShareRequest{ConnectorID: &connector.ID})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := h.links.Revoke(context.Background(), created.Link.ShareID); err != nil {
			t.Fatalf("Revoke attempt %d failed: %v", i+1, err)
		}
	}

	status, err := h.links.GetStatus(context.Background(), created.Link.ShareID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.Status != models.LinkRevoked {
		t.Errorf("status = %s, want revoked", status.Status)
	}
}

func TestGetStatusPrecedence(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	soon := time.Now().Add(30 * time.Millisecond)
	one := 1
	created, err := h.links.Create(context.Background(), &CreateShareRequest{
		ConnectorID: &connector.ID,
		ExpiresAt:   &soon,
		MaxUses:     &one,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Use it up, let it expire, then revoke: revoked must win.
	if _, err := h.linkRepo.ConsumeUse(context.Background(), created.Link.ShareID); err != nil {
		t.Fatalf("ConsumeUse failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := h.links.Revoke(context.Background(), created.Link.ShareID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	status, err := h.links.GetStatus(context.Background(), created.Link.ShareID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.Status != models.LinkRevoked {
		t.Errorf("status = %s, want revoked (revoked wins over expired and exhausted)", status.Status)
	}
}

func TestListByConnector(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})
	other, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	for i := 0; i < 3; i++ {
		if _, err := h.links.Create(context.Background(), &CreateShareRequest{ConnectorID: &connector.ID}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if _, err := h.links.Create(context.Background(), &CreateShareRequest{ConnectorID: &other.ID}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	statuses, err := h.links.ListByConnector(context.Background(), connector.ID)
	if err != nil {
		t.Fatalf("ListByConnector failed: %v", err)
	}
	if len(statuses) != 3 {
		t.Errorf("got %d links, want 3", len(statuses))
	}
}
