// Package auth checks bearer tokens presented to the status API. Every
// route is a read, so scopes only separate run status from the event
// stream.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

const (
	ScopeAll    = "*"
	ScopeStatus = "status" // /status and /runs/{id}
	ScopeEvents = "events" // /events
)

// KnownScopes lists the scopes a token may carry.
var KnownScopes = []string{ScopeAll, ScopeStatus, ScopeEvents}

// IsKnownScope reports whether s is one of KnownScopes.
func IsKnownScope(s string) bool {
	return slices.Contains(KnownScopes, strings.TrimSpace(s))
}

// OperatorName is the principal name of the api_key holder.
const OperatorName = "operator"

// Token is a configured bearer token. Name only appears in logs.
type Token struct {
	Name   string
	Value  string
	Scopes []string
}

// Principal is whoever a request authenticated as.
type Principal struct {
	Name   string
	Scopes map[string]struct{}
}

// Allows reports whether p may use a route guarded by scope.
func (p Principal) Allows(scope string) bool {
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	_, ok := p.Scopes[scope]
	return ok
}

type entry struct {
	secret    []byte
	principal Principal
}

// Keyring resolves presented tokens to principals.
type Keyring struct {
	entries []entry
}

// NewKeyring builds a keyring from the operator key, which carries every
// scope, and the scoped tokens. Empty secrets are skipped. When a token
// repeats the operator key the operator wins.
func NewKeyring(operatorKey string, tokens []Token) *Keyring {
	k := &Keyring{}
	if operatorKey != "" {
		k.entries = append(k.entries, entry{
			secret:    []byte(operatorKey),
			principal: Principal{Name: OperatorName, Scopes: map[string]struct{}{ScopeAll: {}}},
		})
	}
	for i, t := range tokens {
		if t.Value == "" {
			continue
		}
		name := strings.TrimSpace(t.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i+1)
		}
		scopes := make(map[string]struct{}, len(t.Scopes))
		for _, s := range t.Scopes {
			if s = strings.TrimSpace(s); s != "" {
				scopes[s] = struct{}{}
			}
		}
		k.entries = append(k.entries, entry{secret: []byte(t.Value), principal: Principal{Name: name, Scopes: scopes}})
	}
	return k
}

// Empty reports whether no credential is configured.
func (k *Keyring) Empty() bool { return len(k.entries) == 0 }

// Lookup compares presented against every entry so timing does not reveal
// which one matched.
func (k *Keyring) Lookup(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	var (
		found Principal
		ok    bool
	)
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare([]byte(presented), e.secret) == 1 && !ok {
			found, ok = e.principal, true
		}
	}
	return found, ok
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return "", errors.New("invalid Authorization header format")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
