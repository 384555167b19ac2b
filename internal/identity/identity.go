// Package identity reads the caller identity that the fronting proxy attaches
// to every request. The gateway trusts these values and does not verify them.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Metadata keys, lower-case as gRPC normalizes them. HTTP uses the same names as headers.
const (
	KeyCallerID     = "x-caller-id"
	KeyCallerRole   = "x-caller-role"
	KeyCallerTenant = "x-caller-tenant"
	AttrPrefix      = "x-caller-attr-"
)

// ErrMissingIdentity is returned when the request carries no caller ID.
var ErrMissingIdentity = errors.New("missing caller identity")

// ErrRoleMismatch is returned when a request names a role other than the caller's.
var ErrRoleMismatch = errors.New("requested role does not match caller role")

// Identity is an already-authenticated caller.
type Identity struct {
	ID         string
	Role       string
	Tenant     string
	Attributes map[string]string
}

// FromMetadata extracts the identity from incoming gRPC metadata.
func FromMetadata(ctx context.Context) (*Identity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, ErrMissingIdentity
	}
	id := &Identity{
		ID:     first(md.Get(KeyCallerID)),
		Role:   first(md.Get(KeyCallerRole)),
		Tenant: first(md.Get(KeyCallerTenant)),
	}
	for k, v := range md {
		if name, ok := strings.CutPrefix(k, AttrPrefix); ok && name != "" && len(v) > 0 {
			id.setAttr(name, v[0])
		}
	}
	if id.ID == "" {
		return nil, ErrMissingIdentity
	}
	return id, nil
}

// FromHeaders extracts the identity from HTTP request headers.
func FromHeaders(h http.Header) (*Identity, error) {
	id := &Identity{
		ID:     strings.TrimSpace(h.Get(KeyCallerID)),
		Role:   strings.TrimSpace(h.Get(KeyCallerRole)),
		Tenant: strings.TrimSpace(h.Get(KeyCallerTenant)),
	}
	for k, v := range h {
		if name, ok := strings.CutPrefix(strings.ToLower(k), AttrPrefix); ok && name != "" && len(v) > 0 {
			id.setAttr(name, v[0])
		}
	}
	if id.ID == "" {
		return nil, ErrMissingIdentity
	}
	return id, nil
}

// ResolveRole picks the effective role. The identity's role wins; a requested
// role is only honoured when the identity carries none or names the same one.
func (i *Identity) ResolveRole(requested string) (string, error) {
	switch {
	case i.Role == "":
		if requested == "" {
			return "", ErrRoleMismatch
		}
		return requested, nil
	case requested == "" || requested == i.Role:
		return i.Role, nil
	}
	return "", ErrRoleMismatch
}

// Value resolves an identity-backed parameter source: identity.id, identity.role,
// identity.tenant or attr.<key>.
func (i *Identity) Value(source string) (string, bool) {
	switch source {
	case "identity.id":
		return i.ID, i.ID != ""
	case "identity.role":
		return i.Role, i.Role != ""
	case "identity.tenant":
		return i.Tenant, i.Tenant != ""
	}
	if key, ok := strings.CutPrefix(source, "attr."); ok {
		v, found := i.Attributes[strings.ToLower(key)]
		return v, found && v != ""
	}
	return "", false
}

// Key is the stable caller identity recorded in the ledger.
func (i *Identity) Key() string {
	if i.Tenant == "" {
		return i.ID
	}
	return i.Tenant + "/" + i.ID
}

func (i *Identity) setAttr(name, value string) {
	if i.Attributes == nil {
		i.Attributes = make(map[string]string)
	}
	i.Attributes[strings.ReplaceAll(name, "-", "_")] = value
}

type contextKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
