// Package policy implements the layered tool gate: per-invocation
// allow/deny/requires-approval decisions composed from a policy bundle,
// plus the TTL-bound approval store that unblocks gated tools.
package policy

// Context carries the attributes a gate decision is evaluated against.
type Context struct {
	IntentID string
	AgentID  string
	Role     string
	UserID   string
	Metadata map[string]string
}

// SessionKey scopes approvals: the conversation id when present, the user
// id otherwise.
func (c Context) SessionKey() string {
	if c.Metadata != nil {
		if conv, ok := c.Metadata["conversationId"]; ok && conv != "" {
			return conv
		}
	}
	return c.UserID
}

// Attribute resolves a condition attribute ("role", "userId", or
// "metadata.<key>") against the context.
func (c Context) Attribute(name string) (string, bool) {
	switch name {
	case "role":
		return c.Role, c.Role != ""
	case "userId":
		return c.UserID, c.UserID != ""
	}
	const metaPrefix = "metadata."
	if len(name) > len(metaPrefix) && name[:len(metaPrefix)] == metaPrefix {
		if c.Metadata == nil {
			return "", false
		}
		v, ok := c.Metadata[name[len(metaPrefix):]]
		return v, ok
	}
	return "", false
}
