package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObject(t *testing.T) {
	tests := []struct {
		in      string
		want    Object
		wantErr bool
	}{
		{in: "document:readme", want: Object{Type: "document", ID: "readme"}},
		{in: "user:anne", want: Object{Type: "user", ID: "anne"}},
		{in: "feature_flag:f-1.2", want: Object{Type: "feature_flag", ID: "f-1.2"}},
		{in: "noseparator", wantErr: true},
		{in: ":missing-type", wantErr: true},
		{in: "document:", wantErr: true},
		{in: "Document:readme", wantErr: true},
		{in: "1doc:readme", wantErr: true},
		{in: "_doc:readme", wantErr: true},
		{in: "document:has space", wantErr: true},
		{in: "document:has#hash", wantErr: true},
		{in: "document:has@at", wantErr: true},
		{in: "document:a:b", wantErr: true},
		{in: "document:*", wantErr: true}, // wildcard not valid on object side
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseObject(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidIdentifier)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.in, got.String())
		})
	}
}

func TestParseSubject(t *testing.T) {
	tests := []struct {
		in       string
		want     Subject
		userset  bool
		wildcard bool
		wantErr  bool
	}{
		{in: "user:anne", want: Subject{Object: Object{Type: "user", ID: "anne"}}},
		{
			in:      "group:eng#member",
			want:    Subject{Object: Object{Type: "group", ID: "eng"}, Relation: "member"},
			userset: true,
		},
		{
			in:       "user:*",
			want:     Subject{Object: Object{Type: "user", ID: "*"}},
			wildcard: true,
		},
		{in: "group:*#member", wantErr: true},
		{in: "group:eng#", wantErr: true},
		{in: "group:eng#Member", wantErr: true},
		{in: "nocolon", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSubject(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidIdentifier)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.userset, got.IsUserset())
			assert.Equal(t, tc.wildcard, got.IsWildcard())
			assert.Equal(t, tc.in, got.String())
		})
	}
}

func TestParseTupleKey(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{in: "document:readme#viewer@user:anne"},
		{in: "document:readme#viewer@group:eng#member"},
		{in: "document:readme#viewer@user:*"},
		{in: "folder:root#parent@folder:archive"},
		{in: "document:readme#viewer", wantErr: true},                // no subject
		{in: "document:readme@user:anne", wantErr: true},             // no relation separator
		{in: "document:readme#Viewer@user:anne", wantErr: true},      // uppercase relation
		{in: "document:readme#viewer@group:*#member", wantErr: true}, // wildcard userset
		{in: "document:*#viewer@user:anne", wantErr: true},           // wildcard object
		{in: "#viewer@user:anne", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseTupleKey(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidTuple)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.in, got.String())
			assert.NoError(t, got.Validate())
		})
	}
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParseObject("bad") })
	assert.Panics(t, func() { MustParseSubject("bad") })
	assert.Panics(t, func() { MustParseTupleKey("bad") })
	assert.NotPanics(t, func() { MustParseTupleKey("document:readme#viewer@user:anne") })
}

func TestTokenRoundTrip(t *testing.T) {
	assert.Equal(t, "", NoToken.String())

	tok, err := ParseToken("")
	require.NoError(t, err)
	assert.Equal(t, NoToken, tok)

	tok, err = ParseToken("42")
	require.NoError(t, err)
	assert.Equal(t, Token(42), tok)
	assert.Equal(t, "42", tok.String())

	_, err = ParseToken("0")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken("not-a-number")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken("-1")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestObjectLikeAdapters(t *testing.T) {
	o := Object{Type: "document", ID: "readme"}
	assert.Equal(t, o, o.AuthzObject())
	assert.Equal(t, Subject{Object: o}, o.AuthzSubject())

	r := Relation("viewer")
	assert.Equal(t, r, r.AuthzRelation())
}
