// Package permissions implements the single permission-check path used by
// every protected operation. Permission tokens are plain strings from a fixed
// taxonomy plus dynamically discovered mcp.<server> and mcp.<server>.<tool>
// tokens.
//
// Implication rules:
//
//   - A wildcard "a.*" grants every token under the "a." prefix.
//   - Smart-home tiers imply downward: ha.full ⇒ ha.control ⇒ ha.read.
//
// All checks are pure functions over the caller's token set; the taxonomy
// lives in this one package.
package permissions

import (
	"strings"

	"github.com/renfield-ai/renfield/internal/fault"
)

// Well-known permission tokens. MCP tokens (mcp.<server>, mcp.<server>.<tool>)
// are discovered at runtime and are not enumerated here.
const (
	KBAll     = "kb.all"
	MCPAll    = "mcp.*"
	HARead    = "ha.read"
	HAControl = "ha.control"
	HAFull    = "ha.full"
	AdminAll  = "admin.*"
)

// tierImplications maps a held token to the tokens it implies.
var tierImplications = map[string][]string{
	HAFull:    {HAControl, HARead},
	HAControl: {HARead},
}

// Caller is the identity a permission check runs against. A nil Caller means
// the request is unidentified; whether that passes is the call site's policy
// (see [Require] with allowAnonymous).
type Caller struct {
	// UserID is the stable user identifier.
	UserID string

	// Tokens is the union of permission tokens granted via role memberships.
	Tokens []string
}

// Has reports whether the caller holds perm, honouring wildcard and tier
// implications.
func (c *Caller) Has(perm string) bool {
	if c == nil {
		return false
	}
	for _, t := range c.Tokens {
		if grants(t, perm) {
			return true
		}
	}
	return false
}

// HasAny reports whether the caller holds at least one of perms.
func (c *Caller) HasAny(perms []string) bool {
	for _, p := range perms {
		if c.Has(p) {
			return true
		}
	}
	return false
}

// grants reports whether a held token satisfies the required permission.
func grants(held, required string) bool {
	if held == required {
		return true
	}

	// Wildcard: "a.*" covers "a.b" and "a.b.c".
	if prefix, ok := strings.CutSuffix(held, ".*"); ok {
		if strings.HasPrefix(required, prefix+".") {
			return true
		}
	}

	// Tier implication.
	for _, implied := range tierImplications[held] {
		if implied == required {
			return true
		}
	}
	return false
}

// Require returns nil when the caller holds perm, a PermissionDenied fault
// otherwise. When authDisabled is true, or caller is nil and the deployment
// runs without identification, every check passes.
func Require(caller *Caller, perm string, authDisabled bool) error {
	if authDisabled || caller == nil {
		return nil
	}
	if caller.Has(perm) {
		return nil
	}
	return fault.New(fault.PermissionDenied, "permission %q required", perm)
}

// RequireAny returns nil when the caller holds at least one of perms.
func RequireAny(caller *Caller, perms []string, authDisabled bool) error {
	if authDisabled || caller == nil || len(perms) == 0 {
		return nil
	}
	if caller.HasAny(perms) {
		return nil
	}
	return fault.New(fault.PermissionDenied, "one of %v required", perms)
}
