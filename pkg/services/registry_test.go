package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
)

func TestCreateConnectorReturnsTokenOnce(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	if !strings.HasPrefix(token, "vlc_") {
		t.Errorf("token %q missing vlc_ prefix", token)
	}
	// 32 bytes of entropy in unpadded base64url is 43 characters.
	if len(token) != len("vlc_")+43 {
		t.Errorf("token length = %d, want %d", len(token), len("vlc_")+43)
	}
}

func TestCreateConnectorValidation(t *testing.T) {
	h := newTestHarness(t)

	tests := []struct {
		name string
		req  CreateConnectorRequest
	}{
		{"missing name", CreateConnectorRequest{
			OwnerID: "o", ConnectorType: models.TypePostgres, Credentials: `{}`,
		}},
		{"unknown type", CreateConnectorRequest{
			OwnerID: "o", Name: "c", ConnectorType: "oracle", Credentials: `{}`,
		}},
		{"missing credentials", CreateConnectorRequest{
			OwnerID: "o", Name: "c", ConnectorType: models.TypePostgres,
		}},
		{"non-JSON credentials", CreateConnectorRequest{
			OwnerID: "o", Name: "c", ConnectorType: models.TypePostgres, Credentials: "host=db user=app",
		}},
		{"operation outside vocabulary", CreateConnectorRequest{
			OwnerID: "o", Name: "c", ConnectorType: models.TypeMongoDB, Credentials: `{}`,
			AllowedOperations: []string{"SELECT"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.connectors.Create(context.Background(), &tt.req)
			if !errors.Is(err, apperrors.ErrMalformedRequest) {
				t.Errorf("err = %v, want ErrMalformedRequest", err)
			}
		})
	}
}

func TestCreateConnectorNormalizesOperations(t *testing.T) {
	h := newTestHarness(t)

	created, err := h.connectors.Create(context.Background(), &CreateConnectorRequest{
		OwnerID:           "owner-1",
		Name:              "normalized",
		ConnectorType:     models.TypePostgres,
		Credentials:       `{"host":"db"}`,
		AllowedOperations: []string{"select", " Insert ", "SELECT"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ops := created.Connector.AllowedOperations
	if len(ops) != 2 || ops[0] != "SELECT" || ops[1] != "INSERT" {
		t.Errorf("operations = %v, want [SELECT INSERT]", ops)
	}
}

func TestCreateConnectorDuplicateName(t *testing.T) {
	h := newTestHarness(t)

	req := &CreateConnectorRequest{
		OwnerID:       "owner-1",
		Name:          "dup",
		ConnectorType: models.TypePostgres,
		Credentials:   `{"host":"db"}`,
	}
	if _, err := h.connectors.Create(context.Background(), req); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if _, err := h.connectors.Create(context.Background(), req); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestConnectorCredentialsNeverStoredInPlaintext(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, nil)

	stored, err := h.connRepo.GetCredentials(context.Background(), connector.ID)
	if err != nil {
		t.Fatalf("GetCredentials failed: %v", err)
	}
	if strings.Contains(stored, "hunter2") {
		t.Error("stored credentials contain the plaintext password")
	}
}

func TestRevokeConnectorIsIdempotentViaRepo(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	if err := h.connectors.Revoke(context.Background(), "owner-1", connector.ID); err != nil {
		t.Fatalf("first Revoke failed: %v", err)
	}
	if err := h.connectors.Revoke(context.Background(), "owner-1", connector.ID); err != nil {
		t.Fatalf("second Revoke failed: %v", err)
	}
}

func TestRevokeConnectorScopedToOwner(t *testing.T) {
	h := newTestHarness(t)
	connector, _ := h.mustCreateConnector(t, models.TypePostgres, []string{"SELECT"})

	err := h.connectors.Revoke(context.Background(), "someone-else", connector.ID)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
