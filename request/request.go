// Package request tracks outstanding queries sent to the chat gateway.
//
// A request is identified by a compound id of the form "<type>:<token>".
// Because the id embeds its own type, a reply carrying the id can be routed
// back to the right handler without a side lookup table; the only constraint
// is that the token must never contain the delimiter.
package request

import (
	"errors"
	"fmt"
	"strings"
)

// Type enumerates the kinds of queries a client can have in flight.
type Type string

const (
	QueryMessages    Type = "QueryMessages"
	QueryOldMessages Type = "QueryOldMessages"
	QueryNewMessages Type = "QueryNewMessages"
)

const delimiter = ":"

var (
	ErrInvalidToken = errors.New("token contains delimiter")
	ErrInvalidID    = errors.New("malformed request id")
)

// ID is a compound request identifier of the form "<type>:<token>".
type ID string

// NewID builds a compound id from a request type and a caller-supplied token.
// The token must not contain the delimiter.
func NewID(t Type, token string) (ID, error) {
	if strings.Contains(token, delimiter) {
		return "", fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	return ID(string(t) + delimiter + token), nil
}

// Parse splits the id back into its type and token.
func (id ID) Parse() (Type, string, error) {
	t, token, ok := strings.Cut(string(id), delimiter)
	if !ok || t == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidID, string(id))
	}
	return Type(t), token, nil
}

func (id ID) String() string {
	return string(id)
}
