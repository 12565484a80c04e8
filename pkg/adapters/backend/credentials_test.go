package backend

import (
	"errors"
	"strings"
	"testing"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
)

func TestPostgresConnString(t *testing.T) {
	creds, err := ParsePostgresCredentials(`{"host":"db.internal","user":"app","password":"p@ss:word","database":"orders"}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	conn := creds.ConnString()
	if !strings.Contains(conn, "db.internal:5432") {
		t.Errorf("conn string %q missing default port", conn)
	}
	if !strings.Contains(conn, "sslmode=prefer") {
		t.Errorf("conn string %q missing default sslmode", conn)
	}
	if strings.Contains(conn, "p@ss:word") {
		t.Errorf("conn string %q contains unescaped password", conn)
	}
}

func TestPostgresCredentialsRequiredFields(t *testing.T) {
	_, err := ParsePostgresCredentials(`{"host":"db.internal"}`)
	if !errors.Is(err, apperrors.ErrConnectorUnavailable) {
		t.Errorf("err = %v, want ErrConnectorUnavailable", err)
	}
}

func TestSQLServerConnString(t *testing.T) {
	creds, err := ParseSQLServerCredentials(`{"host":"mssql.internal","username":"sa","password":"pw","database":"crm","encrypt":"true"}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	conn := creds.ConnString()
	if !strings.HasPrefix(conn, "sqlserver://") {
		t.Errorf("conn string %q missing scheme", conn)
	}
	if !strings.Contains(conn, "mssql.internal:1433") {
		t.Errorf("conn string %q missing default port", conn)
	}
	if !strings.Contains(conn, "database=crm") {
		t.Errorf("conn string %q missing database", conn)
	}
}

func TestMongoConnStringFromFields(t *testing.T) {
	creds, err := ParseMongoCredentials(`{"host":"mongo.internal","username":"app","password":"pw","database":"events"}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := creds.ConnString(); got != "mongodb://app:pw@mongo.internal:27017/events" {
		t.Errorf("conn string = %q", got)
	}
}

func TestMongoConnStringPrefersURI(t *testing.T) {
	creds, err := ParseMongoCredentials(`{"uri":"mongodb+srv://app:pw@cluster.example.net/events"}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := creds.ConnString(); got != "mongodb+srv://app:pw@cluster.example.net/events" {
		t.Errorf("conn string = %q", got)
	}
}

func TestClickHouseCredentialsRejectNonHTTP(t *testing.T) {
	_, err := ParseClickHouseCredentials(`{"url":"tcp://ch.internal:9000"}`)
	if !errors.Is(err, apperrors.ErrConnectorUnavailable) {
		t.Errorf("err = %v, want ErrConnectorUnavailable", err)
	}
}

func TestObjectStoreCredentialsRequireBucket(t *testing.T) {
	_, err := ParseObjectStoreCredentials(`{"endpoint":"s3.internal:9000","access_key":"ak","secret_key":"sk"}`)
	if !errors.Is(err, apperrors.ErrConnectorUnavailable) {
		t.Errorf("err = %v, want ErrConnectorUnavailable", err)
	}
}

func TestHTTPAPICredentials(t *testing.T) {
	creds, err := ParseHTTPAPICredentials(`{"base_url":"https://api.vendor.example/v2","headers":{"X-Api-Key":"k"},"bearer_token":"tok"}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if creds.BaseURL != "https://api.vendor.example/v2" {
		t.Errorf("base URL = %q", creds.BaseURL)
	}
	if creds.Headers["X-Api-Key"] != "k" {
		t.Errorf("headers = %v", creds.Headers)
	}
}

func TestParseCredentialsRejectsGarbage(t *testing.T) {
	_, err := ParsePostgresCredentials("host=db user=app")
	if !errors.Is(err, apperrors.ErrConnectorUnavailable) {
		t.Errorf("err = %v, want ErrConnectorUnavailable", err)
	}
}
