package identity

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateDisplayName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "valid", input: "Ada Lovelace", want: "Ada Lovelace"},
		{name: "trimmed", input: "  Ada  ", want: "Ada"},
		{name: "single rune", input: "A", want: "A"},
		{name: "maximum length", input: strings.Repeat("x", 200), want: strings.Repeat("x", 200)},
		{name: "markup stripped", input: "<b>Ada</b>", want: "Ada"},
		{name: "script dropped entirely", input: "<script>alert(1)</script>Ada", want: "Ada"},
		{name: "empty", input: "", wantErr: ErrDisplayNameLength},
		{name: "whitespace only", input: "   ", wantErr: ErrDisplayNameLength},
		{name: "only markup", input: "<img src=x>", wantErr: ErrDisplayNameLength},
		{name: "too long", input: strings.Repeat("x", 201), wantErr: ErrDisplayNameLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ValidateDisplayName(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateDisplayName(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ValidateDisplayName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeDisplayName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input *string
		want  *string
	}{
		{name: "nil passes through", input: nil, want: nil},
		{name: "plain text kept", input: new("Ada"), want: new("Ada")},
		{name: "markup stripped", input: new("<i>Ada</i> L"), want: new("Ada L")},
		{name: "only markup becomes nil", input: new("<img src=x>"), want: nil},
		{name: "whitespace only becomes nil", input: new("   "), want: nil},
		{name: "overlong truncated", input: new(strings.Repeat("y", 300)), want: new(strings.Repeat("y", 200))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := SanitizeDisplayName(tt.input)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("SanitizeDisplayName() = %q, want nil", *got)
			case tt.want != nil && got == nil:
				t.Errorf("SanitizeDisplayName() = nil, want %q", *tt.want)
			case tt.want != nil && got != nil && *got != *tt.want:
				t.Errorf("SanitizeDisplayName() = %q, want %q", *got, *tt.want)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "valid", input: "user@example.com", want: "user@example.com"},
		{name: "lowercased", input: "User@Example.COM", want: "user@example.com"},
		{name: "missing at", input: "userexample.com", wantErr: ErrInvalidEmail},
		{name: "empty", input: "", wantErr: ErrInvalidEmail},
		{name: "too long", input: strings.Repeat("x", 250) + "@example.com", wantErr: ErrInvalidEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ValidateEmail(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateEmail(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ValidateEmail(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidLinkMethod(t *testing.T) {
	t.Parallel()

	if !ValidLinkMethod(LinkManual) || !ValidLinkMethod(LinkAutomatic) {
		t.Error("ValidLinkMethod rejects known methods")
	}
	for _, s := range []string{"", "auto", "Manual"} {
		if ValidLinkMethod(s) {
			t.Errorf("ValidLinkMethod(%q) = true, want false", s)
		}
	}
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "zero uses default", limit: 0, want: DefaultLimit},
		{name: "negative uses default", limit: -1, want: DefaultLimit},
		{name: "in range", limit: 10, want: 10},
		{name: "above maximum", limit: 101, want: MaxLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := ClampLimit(tt.limit); got != tt.want {
				t.Errorf("ClampLimit(%d) = %d, want %d", tt.limit, got, tt.want)
			}
		})
	}
}
