package storage

import (
	"encoding/base64"
	"fmt"
)

// Continuation tokens are opaque on the wire. Internally they carry the
// last key of the previous page; both backends resume strictly after it.

// EncodeContinuation wraps a resume key into an opaque token.
func EncodeContinuation(key string) string {
	if key == "" {
		return ""
	}
	return base64.URLEncoding.EncodeToString([]byte(key))
}

// DecodeContinuation unwraps a token produced by EncodeContinuation.
// The empty token decodes to the empty key (start from the beginning).
func DecodeContinuation(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	b, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidContinuationToken, err)
	}
	return string(b), nil
}
