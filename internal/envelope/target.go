package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TargetType is the kind of destination a message is addressed to.
type TargetType string

const (
	TargetUser    TargetType = "user"
	TargetChannel TargetType = "channel"
	TargetGroup   TargetType = "group"
)

// ValidTargetType reports whether t is one of the known target types.
func ValidTargetType(t TargetType) bool {
	switch t {
	case TargetUser, TargetChannel, TargetGroup:
		return true
	}
	return false
}

// Target addresses one destination of an outbound message. PlatformID names a platform
// configuration; it stays a string here because resolution happens at delivery time, and an
// unknown or malformed id must surface as a delivery failure rather than a parse error. ID is
// provider-opaque and may itself contain colons.
type Target struct {
	PlatformID string     `json:"platformId"`
	Type       TargetType `json:"type"`
	ID         string     `json:"id"`
}

// ParseTarget parses the compact "platformId:type:id" form. All three parts must be non-empty and
// the type must be known. The id keeps any further colons verbatim.
func ParseTarget(s string) (Target, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Target{}, fmt.Errorf("%w: %q", ErrMalformedTarget, s)
	}
	t := Target{PlatformID: parts[0], Type: TargetType(parts[1]), ID: parts[2]}
	if t.PlatformID == "" || t.ID == "" {
		return Target{}, fmt.Errorf("%w: %q", ErrMalformedTarget, s)
	}
	if !ValidTargetType(t.Type) {
		return Target{}, fmt.Errorf("%w: %q", ErrUnknownTarget, parts[1])
	}
	return t, nil
}

// String renders the compact form.
func (t Target) String() string {
	return t.PlatformID + ":" + string(t.Type) + ":" + t.ID
}

// Validate checks a structured-form target.
func (t Target) Validate() error {
	if t.PlatformID == "" || t.ID == "" {
		return fmt.Errorf("%w: %q", ErrMalformedTarget, t.String())
	}
	if !ValidTargetType(t.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, t.Type)
	}
	return nil
}

// UnmarshalJSON accepts both the compact string form and the structured object form, so request
// bodies may mix the two freely.
func (t *Target) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseTarget(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}

	type plain Target
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Target(p)
	return t.Validate()
}
