package scope

import (
	"errors"
	"fmt"
)

// ErrUnknown is returned when a scope name is outside the vocabulary.
var ErrUnknown = errors.New("unknown scope")

// Scope names a single grant carried by an API key or user token.
type Scope string

// The full scope vocabulary. Scopes are independent tokens: holding messages:send does not
// imply messages:write.
const (
	IdentitiesRead  Scope = "identities:read"
	IdentitiesWrite Scope = "identities:write"
	ProjectsRead    Scope = "projects:read"
	ProjectsWrite   Scope = "projects:write"
	PlatformsRead   Scope = "platforms:read"
	PlatformsWrite  Scope = "platforms:write"
	MessagesRead    Scope = "messages:read"
	MessagesWrite   Scope = "messages:write"
	MessagesSend    Scope = "messages:send"
	WebhooksRead    Scope = "webhooks:read"
	WebhooksWrite   Scope = "webhooks:write"
	KeysRead        Scope = "keys:read"
	KeysManage      Scope = "keys:manage"
	MembersRead     Scope = "members:read"
	MembersWrite    Scope = "members:write"
)

var vocabulary = []Scope{
	IdentitiesRead, IdentitiesWrite,
	ProjectsRead, ProjectsWrite,
	PlatformsRead, PlatformsWrite,
	MessagesRead, MessagesWrite, MessagesSend,
	WebhooksRead, WebhooksWrite,
	KeysRead, KeysManage,
	MembersRead, MembersWrite,
}

var known = func() map[Scope]struct{} {
	m := make(map[Scope]struct{}, len(vocabulary))
	for _, s := range vocabulary {
		m[s] = struct{}{}
	}
	return m
}()

// All returns a copy of the scope vocabulary.
func All() []Scope {
	out := make([]Scope, len(vocabulary))
	copy(out, vocabulary)
	return out
}

// Valid reports whether s names a known scope.
func Valid(s Scope) bool {
	_, ok := known[s]
	return ok
}

// Normalize validates a caller-supplied scope list against the vocabulary and deduplicates it,
// preserving first-seen order. Returns ErrUnknown naming the first unrecognized entry.
func Normalize(scopes []string) ([]string, error) {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, raw := range scopes {
		if !Valid(Scope(raw)) {
			return nil, fmt.Errorf("%w: %q", ErrUnknown, raw)
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		out = append(out, raw)
	}
	return out, nil
}

// ContainsAll reports whether every required scope is present in granted. An empty required set
// is always satisfied.
func ContainsAll(granted []string, required ...Scope) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		set[g] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[string(req)]; !ok {
			return false
		}
	}
	return true
}
