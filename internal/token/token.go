package token

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// Prefix marks the start of every token
	Prefix = "tok_"
	// MaxValueBytes is the largest plaintext that will be tokenized
	MaxValueBytes = 4096
	// MaxNamespaceLen bounds the namespace suffix
	MaxNamespaceLen = 32
	// DefaultNamespace is used when a tenant has no namespace configured
	DefaultNamespace = "poc"

	checksumLen = 4
)

// Pattern is the storage-side prefilter for tokens. It is written in the POSIX
// subset understood by Postgres (~), MySQL (REGEXP) and Spark SQL (RLIKE).
// IsToken is stricter: every value accepted by IsToken matches Pattern.
const Pattern = `^tok_[A-Za-z0-9+/]+_[a-z0-9]{1,32}$`

var (
	grammar   = regexp.MustCompile(Pattern)
	encoding  = base64.RawStdEncoding
	castagnol = crc32.MakeTable(crc32.Castagnoli)

	// ErrUnencodable is matched by every EncodingError
	ErrUnencodable = errors.New("value cannot be tokenized")
	// ErrNotToken is returned by Detokenize for malformed input
	ErrNotToken = errors.New("not a token")
	// ErrInvalidNamespace is returned for namespaces outside [a-z0-9]{1,32}
	ErrInvalidNamespace = errors.New("invalid token namespace")
)

// EncodingError reports why a plaintext value could not be tokenized
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("value cannot be tokenized: %s", e.Reason)
}

// Is lets errors.Is(err, ErrUnencodable) match any EncodingError
func (e *EncodingError) Is(target error) bool {
	return target == ErrUnencodable
}

// Tokenize maps value to a deterministic token scoped to namespace.
// The same (value, namespace) pair always yields the same token.
func Tokenize(value, namespace string) (string, error) {
	if !validNamespace(namespace) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}
	if err := checkValue(value); err != nil {
		return "", err
	}

	payload := make([]byte, 0, len(value)+checksumLen)
	payload = append(payload, value...)
	payload = binary.BigEndian.AppendUint32(payload, checksum(namespace, value))

	var b strings.Builder
	b.Grow(len(Prefix) + encoding.EncodedLen(len(payload)) + 1 + len(namespace))
	b.WriteString(Prefix)
	b.WriteString(encoding.EncodeToString(payload))
	b.WriteByte('_')
	b.WriteString(namespace)
	return b.String(), nil
}

// HasTokenShape reports whether s matches Pattern. It is the same test the
// storage predicates apply, so adapters use it to decide what is plaintext.
func HasTokenShape(s string) bool {
	return grammar.MatchString(s)
}

// IsToken reports whether candidate is a token produced by Tokenize
func IsToken(candidate string) bool {
	_, _, err := Detokenize(candidate)
	return err == nil
}

// Detokenize recovers the plaintext and namespace from a token
func Detokenize(tok string) (value, namespace string, err error) {
	if !grammar.MatchString(tok) {
		return "", "", ErrNotToken
	}

	body := strings.TrimPrefix(tok, Prefix)
	sep := strings.LastIndexByte(body, '_')
	encoded, namespace := body[:sep], body[sep+1:]

	payload, err := encoding.DecodeString(encoded)
	if err != nil || len(payload) < checksumLen {
		return "", "", ErrNotToken
	}
	// Non-canonical base64 (stray trailing bits) must not alias a real token.
	if encoding.EncodeToString(payload) != encoded {
		return "", "", ErrNotToken
	}

	raw := payload[:len(payload)-checksumLen]
	sum := binary.BigEndian.Uint32(payload[len(payload)-checksumLen:])
	if checksum(namespace, string(raw)) != sum {
		return "", "", ErrNotToken
	}
	if !utf8.Valid(raw) {
		return "", "", ErrNotToken
	}

	return string(raw), namespace, nil
}

// NormalizeNamespace lowercases s and keeps only [a-z0-9], truncated to MaxNamespaceLen
func NormalizeNamespace(s string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == MaxNamespaceLen {
			break
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidNamespace, s)
	}
	return b.String(), nil
}

func checkValue(value string) error {
	switch {
	case len(value) > MaxValueBytes:
		return &EncodingError{Reason: fmt.Sprintf("value exceeds %d bytes", MaxValueBytes)}
	case !utf8.ValidString(value):
		return &EncodingError{Reason: "value is not valid UTF-8"}
	case strings.IndexByte(value, 0) >= 0:
		return &EncodingError{Reason: "value contains a NUL byte"}
	}
	return nil
}

func validNamespace(ns string) bool {
	if len(ns) == 0 || len(ns) > MaxNamespaceLen {
		return false
	}
	for i := 0; i < len(ns); i++ {
		c := ns[i]
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

func checksum(namespace, value string) uint32 {
	var buf bytes.Buffer
	buf.Grow(len(namespace) + 1 + len(value))
	buf.WriteString(namespace)
	buf.WriteByte(0)
	buf.WriteString(value)
	return crc32.Checksum(buf.Bytes(), castagnol)
}
