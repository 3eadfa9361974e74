package core

import (
	"fmt"
	"strconv"
)

// Token is a consistency token issued by the tuple store's write path.
// Internally it is a 64-bit monotonic commit identifier; externally it
// is opaque. Reads that carry a token observe a state at least as new
// as the write that issued it.
//
// The zero Token means "no preference": the read serves current state.
type Token uint64

// NoToken is the zero token, expressing no consistency preference.
const NoToken Token = 0

// String encodes the token for the wire. The zero token encodes as the
// empty string.
func (t Token) String() string {
	if t == NoToken {
		return ""
	}
	return strconv.FormatUint(uint64(t), 10)
}

// ParseToken decodes a wire token. The empty string decodes to NoToken.
func ParseToken(s string) (Token, error) {
	if s == "" {
		return NoToken, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return NoToken, fmt.Errorf("%w: %q", ErrInvalidToken, s)
	}
	return Token(v), nil
}
