package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidContext means an auth context could not be turned back into an
// identity. Callers treat it as an unknown or expired session.
var ErrInvalidContext = errors.New("invalid auth context")

func Encode(id Identity) string {
	b, err := json.Marshal(id)
	if err != nil {
		// Identity only holds strings and ints.
		panic(fmt.Sprintf("encode identity: %v", err))
	}
	return base64.StdEncoding.EncodeToString(b)
}

func Decode(authContext string) (Identity, error) {
	authContext = strings.TrimSpace(authContext)
	if authContext == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalidContext)
	}
	raw, err := base64.StdEncoding.DecodeString(authContext)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	var id Identity
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	if id.SessionID == "" || id.UserAgent == "" {
		return Identity{}, fmt.Errorf("%w: missing session", ErrInvalidContext)
	}
	return id, nil
}
