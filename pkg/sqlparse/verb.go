// Package sqlparse classifies and validates SQL statements arriving on the
// relational and columnar listeners before they are authorized or forwarded.
package sqlparse

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyStatement indicates there was nothing to classify.
	ErrEmptyStatement = errors.New("empty SQL statement")
	// ErrUnknownVerb indicates the statement does not start with a recognized keyword.
	ErrUnknownVerb = errors.New("unrecognized SQL statement")
)

// Verb extracts the operation keyword of a single SQL statement, upper
// cased, skipping leading whitespace and comments. CTEs resolve to the
// first data-modifying or selecting keyword after the WITH clause, so
// "WITH t AS (...) DELETE ..." classifies as DELETE, not SELECT.
func Verb(statement string) (string, error) {
	rest := skipLeading(statement)
	if rest == "" {
		return "", ErrEmptyStatement
	}

	word, tail := firstWord(rest)
	switch word {
	case "":
		return "", ErrUnknownVerb
	case "WITH":
		return verbAfterCTE(tail)
	case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE", "TRUNCATE",
		"CREATE", "DROP", "ALTER", "GRANT", "REVOKE",
		"SHOW", "EXPLAIN", "DESCRIBE", "CALL", "EXEC", "EXECUTE",
		"BEGIN", "COMMIT", "ROLLBACK", "SET", "COPY", "VACUUM", "ANALYZE":
		return word, nil
	default:
		return "", ErrUnknownVerb
	}
}

// IsReadOnly reports whether the verb qualifies for the idempotent single
// retry on backend connectivity failure.
func IsReadOnly(verb string) bool {
	switch verb {
	case "SELECT", "SHOW", "EXPLAIN", "DESCRIBE":
		return true
	}
	return false
}

// verbAfterCTE scans past the WITH clause to the statement's real verb.
// It tracks parenthesis depth so keywords inside CTE bodies are ignored.
func verbAfterCTE(tail string) (string, error) {
	depth := 0
	rest := tail
	for rest != "" {
		rest = skipLeading(rest)
		if rest == "" {
			break
		}
		switch rest[0] {
		case '(':
			depth++
			rest = rest[1:]
			continue
		case ')':
			depth--
			rest = rest[1:]
			continue
		case '\'':
			rest = skipStringLiteral(rest)
			continue
		}

		word, next := firstWord(rest)
		if word == "" {
			rest = rest[1:]
			continue
		}
		if depth == 0 {
			switch word {
			case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE":
				return word, nil
			}
		}
		rest = next
	}
	return "", ErrUnknownVerb
}

// firstWord returns the leading keyword (upper cased) and the remainder.
func firstWord(s string) (string, string) {
	end := 0
	for end < len(s) {
		c := s[end]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' {
			end++
			continue
		}
		break
	}
	return strings.ToUpper(s[:end]), s[end:]
}

// skipLeading consumes whitespace and SQL comments.
func skipLeading(s string) string {
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		switch {
		case strings.HasPrefix(s, "--"):
			if idx := strings.IndexByte(s, '\n'); idx >= 0 {
				s = s[idx+1:]
			} else {
				return ""
			}
		case strings.HasPrefix(s, "/*"):
			if idx := strings.Index(s, "*/"); idx >= 0 {
				s = s[idx+2:]
			} else {
				return ""
			}
		default:
			return s
		}
	}
}

// skipStringLiteral consumes a single-quoted literal including SQL-standard
// doubled-quote escapes.
func skipStringLiteral(s string) string {
	if s == "" || s[0] != '\'' {
		return s
	}
	i := 1
	for i < len(s) {
		if s[i] == '\'' {
			if i+1 < len(s) && s[i+1] == '\'' {
				i += 2
				continue
			}
			return s[i+1:]
		}
		i++
	}
	return ""
}
