// Package auth resolves the broker-validated user header on an ingress
// message into a UserPrincipal, recognizing the server's own NODE identity.
package auth

import "github.com/tenzoki/rpcserver/internal/rpcerr"

// UserPrincipal is a resolved caller identity: a name plus the set of
// permissions granted to it.
type UserPrincipal struct {
	Name        string
	Permissions map[string]bool
}

// HasPermission reports whether the principal holds the named permission.
func (p UserPrincipal) HasPermission(name string) bool {
	if p.Permissions == nil {
		return false
	}
	return p.Permissions[name]
}

// NodeName is the name carried by the NODE principal that Resolve
// substitutes when the validated name equals the server's own legal
// identity and no RPC user record exists for it.
const NodeName = "NODE"

// Node is the principal substituted when the validated header names the
// server's own legal identity and no user record is registered for it.
// It carries no explicit permissions; Resolver implementations decide what,
// if anything, NODE is allowed to do.
var Node = UserPrincipal{Name: NodeName}

// Resolver looks up a UserPrincipal by validated name. Implementations are
// expected to consult whatever external user-authentication service backs
// the broker's validated-user header; this package only defines the
// contract and the NODE substitution rule.
type Resolver interface {
	Resolve(validatedName string) (UserPrincipal, bool)
}

// ResolveFunc adapts a plain function to the Resolver interface.
type ResolveFunc func(validatedName string) (UserPrincipal, bool)

func (f ResolveFunc) Resolve(validatedName string) (UserPrincipal, bool) {
	return f(validatedName)
}

// Resolve looks up validatedName via resolver, substituting the NODE
// principal when the name equals the server's own legal identity and no
// user record exists. An empty validatedName (missing header) is a
// ProtocolError; a name the resolver rejects (and which is not the
// server's own identity) is an AuthorizationError.
func Resolve(resolver Resolver, validatedName, serverLegalName string) (UserPrincipal, error) {
	if validatedName == "" {
		return UserPrincipal{}, rpcerr.Protocol("missing validated-user header", nil)
	}

	if user, ok := resolver.Resolve(validatedName); ok {
		return user, nil
	}

	if validatedName == serverLegalName {
		return Node, nil
	}

	return UserPrincipal{}, rpcerr.Authorization("validated user not recognized: "+validatedName, nil)
}
