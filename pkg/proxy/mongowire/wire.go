// Package mongowire terminates the MongoDB wire protocol. Sessions
// authenticate with an access token as the SASL PLAIN username, each
// database command is authorized by name, and authorized commands are
// relayed to the connector's real deployment.
package mongowire

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
)

// Wire opcodes the gateway understands.
const (
	opReply = 1    // legacy reply, sent for OP_QUERY handshakes
	opQuery = 2004 // legacy query, still used by drivers for the first hello
	opMsg   = 2013
)

// maxMessageSize guards against absurd frames before allocation.
const maxMessageSize = 48 * 1024 * 1024

// message is one parsed client frame. Only the command document matters to
// the gateway; everything else is bookkeeping for the reply.
type message struct {
	requestID int32
	opCode    int32
	// legacy is true for OP_QUERY frames, which demand an OP_REPLY.
	legacy bool
	// doc is the command document (OP_MSG section 0, or the OP_QUERY
	// query document).
	doc bson.Raw
}

// readMessage reads and parses one frame.
func readMessage(r io.Reader) (*message, error) {
	var header [16]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := int32(binary.LittleEndian.Uint32(header[0:4]))
	requestID := int32(binary.LittleEndian.Uint32(header[4:8]))
	opCode := int32(binary.LittleEndian.Uint32(header[12:16]))

	if length < 16 || length > maxMessageSize {
		return nil, fmt.Errorf("%w: invalid message length %d", apperrors.ErrMalformedRequest, length)
	}

	body := make([]byte, length-16)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	msg := &message{requestID: requestID, opCode: opCode}
	switch opCode {
	case opMsg:
		doc, err := parseOpMsg(body)
		if err != nil {
			return nil, err
		}
		msg.doc = doc
	case opQuery:
		doc, err := parseOpQuery(body)
		if err != nil {
			return nil, err
		}
		msg.doc = doc
		msg.legacy = true
	default:
		return nil, fmt.Errorf("%w: unsupported opcode %d", apperrors.ErrMalformedRequest, opCode)
	}

	return msg, nil
}

// parseOpMsg extracts the section-0 command document. Section kind 1
// (document sequences) is folded into the command by drivers only for
// bulk writes; the gateway requires kind 0 alone.
func parseOpMsg(body []byte) (bson.Raw, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("%w: short OP_MSG", apperrors.ErrMalformedRequest)
	}
	// 4 bytes flagBits, then sections.
	sections := body[4:]
	if sections[0] != 0 {
		return nil, fmt.Errorf("%w: unsupported OP_MSG section kind %d", apperrors.ErrMalformedRequest, sections[0])
	}
	doc := sections[1:]
	if len(doc) < 5 {
		return nil, fmt.Errorf("%w: short document", apperrors.ErrMalformedRequest)
	}
	docLen := int(int32(binary.LittleEndian.Uint32(doc[0:4])))
	if docLen < 5 || docLen > len(doc) {
		return nil, fmt.Errorf("%w: invalid document length", apperrors.ErrMalformedRequest)
	}
	raw := bson.Raw(doc[:docLen])
	if err := raw.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid document", apperrors.ErrMalformedRequest)
	}
	return raw, nil
}

// parseOpQuery extracts the query document from a legacy OP_QUERY frame.
func parseOpQuery(body []byte) (bson.Raw, error) {
	// 4 bytes flags, then fullCollectionName cstring.
	if len(body) < 5 {
		return nil, fmt.Errorf("%w: short OP_QUERY", apperrors.ErrMalformedRequest)
	}
	rest := body[4:]
	nul := -1
	for i, b := range rest {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return nil, fmt.Errorf("%w: unterminated collection name", apperrors.ErrMalformedRequest)
	}
	rest = rest[nul+1:]
	// 4 bytes numberToSkip + 4 bytes numberToReturn.
	if len(rest) < 13 {
		return nil, fmt.Errorf("%w: short OP_QUERY body", apperrors.ErrMalformedRequest)
	}
	doc := rest[8:]
	docLen := int(int32(binary.LittleEndian.Uint32(doc[0:4])))
	if docLen < 5 || docLen > len(doc) {
		return nil, fmt.Errorf("%w: invalid document length", apperrors.ErrMalformedRequest)
	}
	raw := bson.Raw(doc[:docLen])
	if err := raw.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid document", apperrors.ErrMalformedRequest)
	}
	return raw, nil
}

// writeOpMsg frames doc as an OP_MSG reply.
func writeOpMsg(w io.Writer, responseTo, requestID int32, doc []byte) error {
	length := 16 + 4 + 1 + len(doc)
	buf := make([]byte, 0, length)
	buf = appendInt32(buf, int32(length))
	buf = appendInt32(buf, requestID)
	buf = appendInt32(buf, responseTo)
	buf = appendInt32(buf, opMsg)
	buf = appendInt32(buf, 0) // flagBits
	buf = append(buf, 0)      // section kind 0
	buf = append(buf, doc...)
	_, err := w.Write(buf)
	return err
}

// writeOpReply frames doc as a legacy OP_REPLY, for OP_QUERY handshakes.
func writeOpReply(w io.Writer, responseTo, requestID int32, doc []byte) error {
	length := 16 + 20 + len(doc)
	buf := make([]byte, 0, length)
	buf = appendInt32(buf, int32(length))
	buf = appendInt32(buf, requestID)
	buf = appendInt32(buf, responseTo)
	buf = appendInt32(buf, opReply)
	buf = appendInt32(buf, 0) // responseFlags
	buf = appendInt32(buf, 0) // cursorID low
	buf = appendInt32(buf, 0) // cursorID high
	buf = appendInt32(buf, 0) // startingFrom
	buf = appendInt32(buf, 1) // numberReturned
	buf = append(buf, doc...)
	_, err := w.Write(buf)
	return err
}

func appendInt32(buf []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(buf, uint32(v))
}

// commandName returns the first element key of a command document, which is
// the command by wire convention, along with its string value when it is a
// string (the collection name for CRUD commands).
func commandName(doc bson.Raw) (string, error) {
	elements, err := doc.Elements()
	if err != nil || len(elements) == 0 {
		return "", fmt.Errorf("%w: empty command", apperrors.ErrMalformedRequest)
	}
	return elements[0].Key(), nil
}
