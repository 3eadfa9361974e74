// Package parser provides authorization model parsing for clove.
//
// This package wraps the official OpenFGA language parser to convert DSL
// source into the protobuf AuthorizationModel the engine evaluates. It
// isolates the OpenFGA parser dependency from other packages.
//
// # Basic Usage
//
// Parse DSL source:
//
//	model, err := parser.Parse(source)
//	if err != nil {
//	    var perr *parser.Error
//	    if errors.As(err, &perr) {
//	        for _, se := range perr.Errors {
//	            fmt.Printf("%d:%d %s\n", se.Line, se.Column, se.Message)
//	        }
//	    }
//	}
//
// Parse a .fga file:
//
//	model, err := parser.ParseFile("schemas/schema.fga")
package parser

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	openfgav1 "github.com/openfga/api/proto/openfga/v1"
	"github.com/openfga/language/pkg/go/transformer"
)

// SyntaxError is one syntax problem with its source position. Line is
// 1-based; a zero Line means the position could not be determined.
type SyntaxError struct {
	Line    int
	Column  int
	Message string
}

func (e SyntaxError) String() string {
	if e.Line > 0 {
		return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
	}
	return e.Message
}

// Error reports that DSL source failed to parse. It carries every syntax
// error the underlying parser produced.
type Error struct {
	Errors []SyntaxError
}

func (e *Error) Error() string {
	if len(e.Errors) == 1 {
		return "parsing model: " + e.Errors[0].String()
	}
	parts := make([]string, len(e.Errors))
	for i, se := range e.Errors {
		parts[i] = se.String()
	}
	return fmt.Sprintf("parsing model: %d errors: %s", len(e.Errors), strings.Join(parts, "; "))
}

// Parse converts OpenFGA DSL source into a protobuf AuthorizationModel.
// Uses the official OpenFGA language parser to stay compatible with the
// OpenFGA ecosystem and tooling. On failure the returned error is an
// *Error carrying per-position syntax errors.
func Parse(source string) (*openfgav1.AuthorizationModel, error) {
	model, err := transformer.TransformDSLToProto(source)
	if err != nil {
		return nil, &Error{Errors: splitSyntaxErrors(err)}
	}
	return model, nil
}

// ParseFile reads a .fga file and parses it.
func ParseFile(path string) (*openfgav1.AuthorizationModel, error) {
	content, err := os.ReadFile(path) //nolint:gosec // path is from trusted source
	if err != nil {
		return nil, fmt.Errorf("reading model file: %w", err)
	}
	return Parse(string(content))
}

// MustParse parses DSL source and panics on failure. For tests and
// fixtures with known-good models.
func MustParse(source string) *openfgav1.AuthorizationModel {
	model, err := Parse(source)
	if err != nil {
		panic(err)
	}
	return model
}

// The language parser reports positions in a couple of shapes depending
// on which stage failed: "line 4:10 ..." from the grammar and
// "line=4, column=10" from the validator.
var (
	positionColon = regexp.MustCompile(`line (\d+):(\d+)`)
	positionKV    = regexp.MustCompile(`line=(\d+).*?column=(\d+)`)
)

// splitSyntaxErrors breaks a parser error into per-line syntax errors
// with positions where they can be recovered. The language parser joins
// multiple findings with newlines.
func splitSyntaxErrors(err error) []SyntaxError {
	var out []SyntaxError
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		se := SyntaxError{Message: line}
		if m := positionColon.FindStringSubmatch(line); m != nil {
			se.Line, _ = strconv.Atoi(m[1])
			se.Column, _ = strconv.Atoi(m[2])
		} else if m := positionKV.FindStringSubmatch(line); m != nil {
			se.Line, _ = strconv.Atoi(m[1])
			se.Column, _ = strconv.Atoi(m[2])
		}
		out = append(out, se)
	}
	if len(out) == 0 {
		out = append(out, SyntaxError{Message: err.Error()})
	}
	return out
}
