// Package authtest provides an Authenticator backed by a fixed token table.
package authtest

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/chatfanout/auth"
)

// Tokens maps bearer tokens to user IDs.
type Tokens map[string]string

func (t Tokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := t[tok]
	if !ok || tok == "" {
		return nil, auth.ErrUnauthorized
	}
	return user(uid), nil
}

type user string

func (u user) UserID() string { return string(u) }

func (u user) Claims(ref any) error {
	b, _ := json.Marshal(map[string]string{"sub": string(u)})
	return json.Unmarshal(b, ref)
}
