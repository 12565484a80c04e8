package pgwire

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/audit"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/logging"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/retry"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/services"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/sqlparse"
)

// textOID is the PostgreSQL OID for the text type. Every result column is
// reframed as text; clients re-type on their side.
const textOID = 25

// Config wires one pgwire handler to the authorization core and a backend
// executor.
type Config struct {
	// Dialect is the connector type this port serves.
	Dialect models.ConnectorType
	// Protocol names the listener in audit events.
	Protocol string

	Resolver   services.Resolver
	Accountant services.Accountant
	Executor   ExecutorFactory

	HandshakeTimeout time.Duration
	ResponseTimeout  time.Duration

	Logger *zap.Logger
}

// Handler serves PostgreSQL wire sessions.
type Handler struct {
	cfg Config
}

// NewHandler creates a pgwire connection handler.
func NewHandler(cfg Config) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 60 * time.Second
	}
	return &Handler{cfg: cfg}
}

// Handle runs one client session: startup, authentication greeting, then
// the simple-query loop until Terminate or error.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck

	session := &session{
		handler:  h,
		conn:     conn,
		backend:  pgproto3.NewBackend(conn, conn),
		clientIP: remoteIP(conn),
	}
	session.run(ctx)
}

type session struct {
	handler  *Handler
	conn     net.Conn
	backend  *pgproto3.Backend
	token    string
	clientIP string
}

func (s *session) run(ctx context.Context) {
	cfg := s.handler.cfg

	if err := s.conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		return
	}
	if !s.startup() {
		return
	}

	// Greeting. The token is validated per statement; the greeting only
	// commits to the wire format.
	s.send(
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: "15.0"},
		&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)

	for {
		// The session idles between statements for at most the response
		// timeout.
		if err := s.conn.SetDeadline(time.Now().Add(cfg.ResponseTimeout)); err != nil {
			return
		}

		msg, err := s.backend.Receive()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			s.sendError("57P01", "server shutting down")
			return
		default:
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			s.serveQuery(ctx, m.String)
		case *pgproto3.Terminate:
			return
		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute:
			// Extended protocol is not terminated here; simple protocol only.
			s.sendError("0A000", "extended query protocol not supported")
			s.send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		case *pgproto3.Sync:
			s.send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		default:
			s.sendError("08P01", "unexpected message")
			return
		}
	}
}

// startup consumes SSL/GSS negotiation and the StartupMessage. The access
// token arrives as the startup `user` parameter.
func (s *session) startup() bool {
	for {
		msg, err := s.backend.ReceiveStartupMessage()
		if err != nil {
			return false
		}

		switch m := msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			// Not offered; clients fall back to cleartext.
			if _, err := s.conn.Write([]byte{'N'}); err != nil {
				return false
			}
		case *pgproto3.StartupMessage:
			s.token = m.Parameters["user"]
			if services.ClassifyToken(s.token) == services.TokenUnknown {
				// Same response as any other authorization failure.
				s.sendError("28P01", proxy.ClientMessage(proxy.AccessDenied))
				return false
			}
			return true
		case *pgproto3.CancelRequest:
			return false
		default:
			return false
		}
	}
}

func (s *session) serveQuery(ctx context.Context, raw string) {
	cfg := s.handler.cfg
	started := time.Now()

	defer s.send(&pgproto3.ReadyForQuery{TxStatus: 'I'})

	validation := sqlparse.ValidateAndNormalize(raw)
	if validation.Error != nil {
		s.sendError("42601", validation.Error.Error())
		return
	}
	statement := validation.NormalizedSQL
	if statement == "" {
		s.send(&pgproto3.EmptyQueryResponse{})
		return
	}

	verb, err := sqlparse.Verb(statement)
	if err != nil {
		s.sendError("42601", "cannot determine statement type")
		return
	}

	grant, err := cfg.Resolver.Authorize(ctx, &services.AccessRequest{
		Token:        s.token,
		Operation:    verb,
		ExpectedType: cfg.Dialect,
		Protocol:     cfg.Protocol,
		ClientIP:     s.clientIP,
	})
	if err != nil {
		s.frameFailure(ctx, nil, verb, err, started)
		return
	}

	queryCtx, cancel := context.WithTimeout(ctx, cfg.ResponseTimeout)
	defer cancel()

	executor, err := cfg.Executor(queryCtx, grant)
	if err != nil {
		s.frameFailure(ctx, grant, verb, err, started)
		return
	}

	var bytes int64
	if sqlparse.IsReadOnly(verb) {
		// Read-only statements are safe to retry once on transient failure.
		result, err := retry.DoWithResult(queryCtx, retry.ProxyConfig(), func() (*ResultSet, error) {
			return executor.Query(queryCtx, statement)
		})
		if err != nil {
			s.frameFailure(ctx, grant, verb, err, started)
			return
		}
		bytes = s.sendResultSet(verb, result)
	} else {
		tag, err := executor.Exec(queryCtx, statement)
		if err != nil {
			s.frameFailure(ctx, grant, verb, err, started)
			return
		}
		s.send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
	}

	cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, verb, audit.OutcomeAllowed, time.Since(started), bytes, "")
}

// sendResultSet frames a ResultSet as RowDescription + DataRows +
// CommandComplete, everything as text.
func (s *session) sendResultSet(verb string, result *ResultSet) int64 {
	fields := make([]pgproto3.FieldDescription, len(result.Columns))
	for i, name := range result.Columns {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  textOID,
			DataTypeSize: -1,
			TypeModifier: -1,
		}
	}
	s.send(&pgproto3.RowDescription{Fields: fields})

	var bytes int64
	for _, row := range result.Rows {
		values := make([][]byte, len(row))
		for i, cell := range row {
			if cell != nil {
				values[i] = []byte(*cell)
				bytes += int64(len(values[i]))
			}
		}
		s.send(&pgproto3.DataRow{Values: values})
	}

	tag := verb + " " + strconv.Itoa(len(result.Rows))
	s.send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
	return bytes
}

// frameFailure converts an internal error into the wire response and the
// audit record.
func (s *session) frameFailure(ctx context.Context, grant *services.Grant, verb string, err error, started time.Time) {
	cfg := s.handler.cfg

	if grant == nil {
		grant = &services.Grant{ClientIP: s.clientIP}
	}

	// Statement-level backend errors are the client's own; relay them.
	var queryErr *QueryError
	if errors.As(err, &queryErr) {
		s.sendError(queryErr.Code, queryErr.Message)
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, verb, audit.OutcomeBackendFail, time.Since(started), 0, "statement error")
		return
	}

	switch proxy.Classify(err) {
	case proxy.AccessDenied:
		s.sendError("28P01", proxy.ClientMessage(proxy.AccessDenied))
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, verb, audit.OutcomeDenied, time.Since(started), 0, err.Error())
	case proxy.BadRequest:
		s.sendError("42601", proxy.ClientMessage(proxy.BadRequest))
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, verb, audit.OutcomeDenied, time.Since(started), 0, err.Error())
	default:
		code := "08006" // connection_failure
		if errors.Is(err, apperrors.ErrBackendTimeout) {
			code = "57014" // query_canceled
		}
		s.sendError(code, proxy.ClientMessage(proxy.ServerError))
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, verb, audit.OutcomeBackendFail, time.Since(started), 0, err.Error())
		cfg.Logger.Warn("backend failure",
			zap.String("protocol", cfg.Protocol),
			zap.String("error", logging.SanitizeError(err)))
	}
}

func (s *session) sendError(code, message string) {
	s.send(&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     code,
		Message:  message,
	})
}

func (s *session) send(msgs ...pgproto3.BackendMessage) {
	for _, msg := range msgs {
		s.backend.Send(msg)
	}
	_ = s.backend.Flush()
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
