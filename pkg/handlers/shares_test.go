package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/services"
)

func newSharesMux(links *fakeSharedLinkService, connectors *fakeConnectorService) *http.ServeMux {
	mux := http.NewServeMux()
	NewSharesHandler(links, connectors, zap.NewNop()).RegisterRoutes(mux)
	return mux
}

func ownedConnector(t *testing.T, connectors *fakeConnectorService, owner string) uuid.UUID {
	t.Helper()
	created, err := connectors.Create(context.Background(), &services.CreateConnectorRequest{
		OwnerID:       owner,
		Name:          "db-" + uuid.NewString(),
		ConnectorType: models.TypePostgres,
		Credentials:   "{}",
	})
	if err != nil {
		t.Fatalf("connector create failed: %v", err)
	}
	return created.Connector.ID
}

func TestCreateShareReturnsTokenAndPublicPath(t *testing.T) {
	connectors := newFakeConnectorService()
	links := newFakeSharedLinkService()
	mux := newSharesMux(links, connectors)
	id := ownedConnector(t, connectors, "owner-1")

	body := `{"connector_id": "` + id.String() + `", "max_uses": 10}`
	req := httptest.NewRequest(http.MethodPost, "/api/shares", strings.NewReader(body))
	req.Header.Set(OwnerHeader, "owner-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}

	var created CreatedShareResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if !strings.HasPrefix(created.Token, "vls_") {
		t.Errorf("token = %q, want vls_ prefix", created.Token)
	}
	if created.Link.PublicURLPath != "/s/"+created.Token {
		t.Errorf("public path = %q", created.Link.PublicURLPath)
	}
}

// Omitting requires_authentication falls back to the connector's
// visibility: restricted connectors get authenticated links by default.
func TestCreateShareAuthDefaultFollowsConnectorVisibility(t *testing.T) {
	connectors := newFakeConnectorService()
	links := newFakeSharedLinkService()
	mux := newSharesMux(links, connectors)

	restricted := ownedConnector(t, connectors, "owner-1")
	public, err := connectors.Create(context.Background(), &services.CreateConnectorRequest{
		OwnerID:       "owner-1",
		Name:          "open-db",
		ConnectorType: models.TypePostgres,
		Credentials:   "{}",
		IsPublic:      true,
	})
	if err != nil {
		t.Fatalf("connector create failed: %v", err)
	}

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"restricted defaults to authenticated", `{"connector_id": "` + restricted.String() + `"}`, true},
		{"public defaults to open", `{"connector_id": "` + public.Connector.ID.String() + `"}`, false},
		{"explicit opt-out respected", `{"connector_id": "` + restricted.String() + `", "requires_authentication": false}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/shares", strings.NewReader(tt.body))
			req.Header.Set(OwnerHeader, "owner-1")
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusCreated {
				t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
			}
			var created CreatedShareResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
				t.Fatalf("response not JSON: %v", err)
			}
			if created.Link.RequiresAuth != tt.want {
				t.Errorf("requires_authentication = %v, want %v", created.Link.RequiresAuth, tt.want)
			}
		})
	}
}

func TestCreateShareForForeignConnectorRejected(t *testing.T) {
	connectors := newFakeConnectorService()
	links := newFakeSharedLinkService()
	mux := newSharesMux(links, connectors)
	id := ownedConnector(t, connectors, "owner-1")

	body := `{"connector_id": "` + id.String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/shares", strings.NewReader(body))
	req.Header.Set(OwnerHeader, "owner-2")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if len(links.links) != 0 {
		t.Error("share created across the owner boundary")
	}
}

func TestCreateShareRequiresExactlyOneReference(t *testing.T) {
	mux := newSharesMux(newFakeSharedLinkService(), newFakeConnectorService())

	req := httptest.NewRequest(http.MethodPost, "/api/shares", strings.NewReader(`{}`))
	req.Header.Set(OwnerHeader, "owner-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestShareStatusAndRevoke(t *testing.T) {
	connectors := newFakeConnectorService()
	links := newFakeSharedLinkService()
	mux := newSharesMux(links, connectors)
	id := ownedConnector(t, connectors, "owner-1")

	created, err := links.Create(context.Background(), &services.CreateShareRequest{ConnectorID: &id})
	if err != nil {
		t.Fatalf("share create failed: %v", err)
	}
	shareID := created.Link.ShareID.String()

	statusReq := httptest.NewRequest(http.MethodGet, "/api/shares/"+shareID+"/status", nil)
	statusReq.Header.Set(OwnerHeader, "owner-1")
	statusRec := httptest.NewRecorder()
	mux.ServeHTTP(statusRec, statusReq)

	if statusRec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", statusRec.Code)
	}
	if !strings.Contains(statusRec.Body.String(), `"active"`) {
		t.Errorf("status body = %q", statusRec.Body.String())
	}

	revokeReq := httptest.NewRequest(http.MethodDelete, "/api/shares/"+shareID, nil)
	revokeReq.Header.Set(OwnerHeader, "owner-1")
	revokeRec := httptest.NewRecorder()
	mux.ServeHTTP(revokeRec, revokeReq)

	if revokeRec.Code != http.StatusOK {
		t.Fatalf("revoke = %d", revokeRec.Code)
	}

	statusRec = httptest.NewRecorder()
	mux.ServeHTTP(statusRec, statusReq)
	if !strings.Contains(statusRec.Body.String(), `"revoked"`) {
		t.Errorf("post-revoke status body = %q", statusRec.Body.String())
	}
}

func TestUnknownShareIsNotFound(t *testing.T) {
	mux := newSharesMux(newFakeSharedLinkService(), newFakeConnectorService())

	req := httptest.NewRequest(http.MethodGet, "/api/shares/"+uuid.NewString(), nil)
	req.Header.Set(OwnerHeader, "owner-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestBadShareIDIsBadRequest(t *testing.T) {
	mux := newSharesMux(newFakeSharedLinkService(), newFakeConnectorService())

	req := httptest.NewRequest(http.MethodGet, "/api/shares/not-a-uuid", nil)
	req.Header.Set(OwnerHeader, "owner-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
