package mongowire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/adapters/backend"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/audit"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/logging"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/services"
)

// Mongo server error codes used in replies.
const (
	codeUnauthorized    = 13
	codeHostUnreachable = 6
	codeNetworkTimeout  = 89
	codeFailedToParse   = 9
)

// commandOps maps wire command names to the operations connectors
// authorize. getMore continues a cursor opened by a read, so it rides on
// the FIND permission.
var commandOps = map[string]string{
	"find":      "FIND",
	"aggregate": "AGGREGATE",
	"count":     "COUNT",
	"insert":    "INSERT",
	"update":    "UPDATE",
	"delete":    "DELETE",
	"getMore":   "FIND",
}

// localCommands are answered by the gateway itself, before authentication
// and without touching any backend.
var localCommands = map[string]bool{
	"hello":        true,
	"isMaster":     true,
	"ismaster":     true,
	"ping":         true,
	"saslStart":    true,
	"saslContinue": true,
	"endSessions":  true,
}

// stripFields are driver bookkeeping removed before relaying a command;
// the backend client re-adds its own.
var stripFields = map[string]bool{
	"$db":             true,
	"lsid":            true,
	"$clusterTime":    true,
	"$readPreference": true,
	"apiVersion":      true,
}

// CommandRunner relays one authorized command to a connector's real
// deployment.
type CommandRunner interface {
	Run(ctx context.Context, database string, command bson.D) (bson.Raw, error)
}

// RunnerFactory exchanges a grant for a CommandRunner.
type RunnerFactory func(ctx context.Context, grant *services.Grant) (CommandRunner, error)

// NewMongoRunnerFactory serves mongodb connectors from managed mongo
// clients.
func NewMongoRunnerFactory(manager *backend.Manager) RunnerFactory {
	return func(ctx context.Context, grant *services.Grant) (CommandRunner, error) {
		client, err := manager.Mongo(ctx, grant.ConnectorID, grant.Credentials)
		if err != nil {
			return nil, err
		}
		return &mongoRunner{client: client}, nil
	}
}

type mongoRunner struct {
	client *mongo.Client
}

// CommandError is a command-level failure from the real deployment. The
// client issued the command, so its error is relayed with its own code.
type CommandError struct {
	Code    int32
	Message string
}

func (e *CommandError) Error() string { return e.Message }

func (r *mongoRunner) Run(ctx context.Context, database string, command bson.D) (bson.Raw, error) {
	raw, err := r.client.Database(database).RunCommand(ctx, command).Raw()
	if err == nil {
		return raw, nil
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return nil, &CommandError{Code: cmdErr.Code, Message: cmdErr.Message}
	}
	if ctx.Err() == context.DeadlineExceeded || mongo.IsTimeout(err) {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendTimeout, err)
	}
	return nil, fmt.Errorf("%w: %v", apperrors.ErrBackendUnreachable, err)
}

// Config wires the mongowire handler.
type Config struct {
	Protocol   string
	Resolver   services.Resolver
	Accountant services.Accountant
	Runner     RunnerFactory

	HandshakeTimeout time.Duration
	ResponseTimeout  time.Duration

	Logger *zap.Logger
}

// Handler serves MongoDB wire sessions.
type Handler struct {
	cfg Config
}

// NewHandler creates a mongowire connection handler.
func NewHandler(cfg Config) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 60 * time.Second
	}
	return &Handler{cfg: cfg}
}

// Handle runs one client session.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck

	s := &session{
		handler:  h,
		conn:     conn,
		clientIP: remoteIP(conn),
	}
	s.run(ctx)
}

type session struct {
	handler       *Handler
	conn          net.Conn
	token         string
	authenticated bool
	clientIP      string
}

func (s *session) run(ctx context.Context) {
	cfg := s.handler.cfg

	for {
		deadline := cfg.ResponseTimeout
		if !s.authenticated {
			deadline = cfg.HandshakeTimeout
		}
		if err := s.conn.SetDeadline(time.Now().Add(deadline)); err != nil {
			return
		}

		msg, err := readMessage(s.conn)
		if err != nil {
			// Malformed framing closes the session without a reply; there
			// is no trustworthy requestID to respond to.
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if !s.serveCommand(ctx, msg) {
			return
		}
	}
}

// serveCommand handles one command frame. Returns false to end the session.
func (s *session) serveCommand(ctx context.Context, msg *message) bool {
	name, err := commandName(msg.doc)
	if err != nil {
		s.reply(msg, errorDoc(codeFailedToParse, "malformed command"))
		return false
	}

	if localCommands[name] {
		return s.serveLocal(msg, name)
	}

	if !s.authenticated {
		s.reply(msg, errorDoc(codeUnauthorized, "command requires authentication"))
		return true
	}

	op, known := commandOps[name]
	if !known {
		s.reply(msg, errorDoc(codeUnauthorized, proxy.ClientMessage(proxy.AccessDenied)))
		return true
	}

	s.relay(ctx, msg, name, op)
	return true
}

func (s *session) serveLocal(msg *message, name string) bool {
	switch name {
	case "hello", "isMaster", "ismaster":
		s.reply(msg, handshakeDoc())
		return true
	case "ping":
		s.reply(msg, okDoc())
		return true
	case "saslStart":
		return s.serveSaslStart(msg)
	case "saslContinue":
		s.reply(msg, bsonDoc(bson.D{
			{Key: "conversationId", Value: int32(1)},
			{Key: "done", Value: true},
			{Key: "payload", Value: primitive.Binary{}},
			{Key: "ok", Value: 1.0},
		}))
		return true
	case "endSessions":
		s.reply(msg, okDoc())
		return true
	}
	return true
}

// serveSaslStart extracts the access token from a SASL PLAIN exchange. The
// token travels as the authcid; the password slot is ignored.
func (s *session) serveSaslStart(msg *message) bool {
	mechanism := msg.doc.Lookup("mechanism").StringValue()
	if !strings.EqualFold(mechanism, "PLAIN") {
		s.reply(msg, errorDoc(codeUnauthorized, "mechanism not supported, use PLAIN"))
		return true
	}

	_, payload, ok := msg.doc.Lookup("payload").BinaryOK()
	if !ok {
		s.reply(msg, errorDoc(codeFailedToParse, "malformed saslStart"))
		return false
	}

	// PLAIN payload: authzid NUL authcid NUL password.
	parts := bytes.SplitN(payload, []byte{0}, 3)
	if len(parts) != 3 {
		s.reply(msg, errorDoc(codeFailedToParse, "malformed PLAIN payload"))
		return false
	}
	token := string(parts[1])

	if services.ClassifyToken(token) == services.TokenUnknown {
		// Indistinguishable from any other denial.
		s.reply(msg, errorDoc(codeUnauthorized, proxy.ClientMessage(proxy.AccessDenied)))
		return false
	}

	s.token = token
	s.authenticated = true
	s.reply(msg, bsonDoc(bson.D{
		{Key: "conversationId", Value: int32(1)},
		{Key: "done", Value: true},
		{Key: "payload", Value: primitive.Binary{}},
		{Key: "ok", Value: 1.0},
	}))
	return true
}

func (s *session) relay(ctx context.Context, msg *message, name, op string) {
	cfg := s.handler.cfg
	started := time.Now()

	grant, err := cfg.Resolver.Authorize(ctx, &services.AccessRequest{
		Token:        s.token,
		Operation:    op,
		ExpectedType: models.TypeMongoDB,
		Protocol:     cfg.Protocol,
		ClientIP:     s.clientIP,
	})
	if err != nil {
		s.frameFailure(ctx, msg, nil, op, err, started)
		return
	}

	relayCtx, cancel := context.WithTimeout(ctx, cfg.ResponseTimeout)
	defer cancel()

	runner, err := cfg.Runner(relayCtx, grant)
	if err != nil {
		s.frameFailure(ctx, msg, grant, op, err, started)
		return
	}

	database, command, err := splitCommand(msg.doc)
	if err != nil {
		s.reply(msg, errorDoc(codeFailedToParse, "malformed command"))
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, op, audit.OutcomeDenied, time.Since(started), 0, "malformed command")
		return
	}

	result, err := runner.Run(relayCtx, database, command)
	if err != nil {
		s.frameFailure(ctx, msg, grant, op, err, started)
		return
	}

	s.reply(msg, result)
	cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, op, audit.OutcomeAllowed, time.Since(started), int64(len(result)), "")
}

func (s *session) frameFailure(ctx context.Context, msg *message, grant *services.Grant, op string, err error, started time.Time) {
	cfg := s.handler.cfg

	if grant == nil {
		grant = &services.Grant{ClientIP: s.clientIP}
	}

	// Command-level errors from the real deployment are the client's own.
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		s.reply(msg, errorDoc(cmdErr.Code, cmdErr.Message))
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, op, audit.OutcomeBackendFail, time.Since(started), 0, "command error")
		return
	}

	switch proxy.Classify(err) {
	case proxy.AccessDenied:
		s.reply(msg, errorDoc(codeUnauthorized, proxy.ClientMessage(proxy.AccessDenied)))
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, op, audit.OutcomeDenied, time.Since(started), 0, err.Error())
	case proxy.BadRequest:
		s.reply(msg, errorDoc(codeFailedToParse, proxy.ClientMessage(proxy.BadRequest)))
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, op, audit.OutcomeDenied, time.Since(started), 0, err.Error())
	default:
		code := int32(codeHostUnreachable)
		if errors.Is(err, apperrors.ErrBackendTimeout) {
			code = codeNetworkTimeout
		}
		s.reply(msg, errorDoc(code, proxy.ClientMessage(proxy.ServerError)))
		cfg.Accountant.RecordOutcome(ctx, grant, cfg.Protocol, op, audit.OutcomeBackendFail, time.Since(started), 0, err.Error())
		cfg.Logger.Warn("backend failure",
			zap.String("protocol", cfg.Protocol),
			zap.String("error", logging.SanitizeError(err)))
	}
}

var requestCounter atomic.Int32

func nextRequestID() int32 {
	return requestCounter.Add(1)
}

func (s *session) reply(msg *message, doc []byte) {
	if msg.legacy {
		_ = writeOpReply(s.conn, msg.requestID, nextRequestID(), doc)
		return
	}
	_ = writeOpMsg(s.conn, msg.requestID, nextRequestID(), doc)
}

// splitCommand separates the target database from the relayable command
// body, dropping driver bookkeeping fields.
func splitCommand(doc bson.Raw) (string, bson.D, error) {
	var full bson.D
	if err := bson.Unmarshal(doc, &full); err != nil {
		return "", nil, err
	}

	database := "admin"
	command := make(bson.D, 0, len(full))
	for _, elem := range full {
		if elem.Key == "$db" {
			if s, ok := elem.Value.(string); ok {
				database = s
			}
			continue
		}
		if stripFields[elem.Key] {
			continue
		}
		command = append(command, elem)
	}
	if len(command) == 0 {
		return "", nil, errors.New("empty command after stripping")
	}
	return database, command, nil
}

func handshakeDoc() []byte {
	return bsonDoc(bson.D{
		{Key: "isWritablePrimary", Value: true},
		{Key: "ismaster", Value: true},
		{Key: "maxBsonObjectSize", Value: int32(16 * 1024 * 1024)},
		{Key: "maxMessageSizeBytes", Value: int32(maxMessageSize)},
		{Key: "maxWriteBatchSize", Value: int32(100000)},
		{Key: "localTime", Value: primitive.NewDateTimeFromTime(time.Now())},
		{Key: "minWireVersion", Value: int32(0)},
		{Key: "maxWireVersion", Value: int32(17)},
		{Key: "readOnly", Value: false},
		{Key: "saslSupportedMechs", Value: bson.A{"PLAIN"}},
		{Key: "ok", Value: 1.0},
	})
}

func okDoc() []byte {
	return bsonDoc(bson.D{{Key: "ok", Value: 1.0}})
}

func errorDoc(code int32, msg string) []byte {
	return bsonDoc(bson.D{
		{Key: "ok", Value: 0.0},
		{Key: "errmsg", Value: msg},
		{Key: "code", Value: code},
	})
}

func bsonDoc(d bson.D) []byte {
	doc, err := bson.Marshal(d)
	if err != nil {
		// Marshaling fixed shapes never fails.
		panic(err)
	}
	return doc
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
