// Package identity tracks which account identifiers represent the connected
// account itself. WhatsApp addresses the same account through several
// namespaces (phone-number JIDs, LIDs, bare users, device-suffixed forms),
// and self-chat detection has to treat all of them as one identity.
package identity

import (
	"strings"
	"sync"

	. "github.com/nexus-assistant/wabridge/internal/logging"
)

// Registry holds the known self aliases for one session. The sets only grow
// while the session lives; a reconnect re-seeds but never clears them.
type Registry struct {
	mu        sync.RWMutex
	selfUsers map[string]struct{} // bare account identifiers
	selfJids  map[string]struct{} // fully-qualified normalized identifiers
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		selfUsers: make(map[string]struct{}),
		selfJids:  make(map[string]struct{}),
	}
}

// Normalize canonicalizes a raw identifier: device suffix stripped from the
// user part, domain lower-cased. Input without a domain separator is treated
// as a bare user. Returns "" for blank or structurally empty input.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	user, domain, found := strings.Cut(raw, "@")
	if !found {
		return stripDevice(raw)
	}
	user = stripDevice(user)
	domain = strings.ToLower(domain)
	if user == "" || domain == "" {
		return ""
	}
	return user + "@" + domain
}

// stripDevice removes the per-device suffix (and legacy agent part) from a
// JID user: "1234:17" -> "1234", "1234.0:17" -> "1234".
func stripDevice(user string) string {
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, '.'); i >= 0 {
		user = user[:i]
	}
	return user
}

// bare returns the user part of a normalized identifier.
func bare(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		return id[:i]
	}
	return id
}

// Register records raw as a self identifier. Idempotent; no-ops on input
// that normalizes to empty. source is only for the log line.
func (r *Registry) Register(raw, source string) {
	id := Normalize(raw)
	if id == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	added := false
	if strings.ContainsRune(id, '@') {
		if _, ok := r.selfJids[id]; !ok {
			r.selfJids[id] = struct{}{}
			added = true
		}
	}
	if u := bare(id); u != "" {
		if _, ok := r.selfUsers[u]; !ok {
			r.selfUsers[u] = struct{}{}
			added = true
		}
	}

	if added {
		L_debug("identity: registered self alias", "id", id, "source", source)
	}
}

// IsSelf reports whether raw resolves to the connected account, by full
// normalized identifier or by bare user.
func (r *Registry) IsSelf(raw string) bool {
	id := Normalize(raw)
	if id == "" {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.selfJids[id]; ok {
		return true
	}
	_, ok := r.selfUsers[bare(id)]
	return ok
}

// Size returns the alias counts, for status reporting.
func (r *Registry) Size() (users, jids int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.selfUsers), len(r.selfJids)
}
