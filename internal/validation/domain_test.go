package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentestexpress/scanpipe/pkg/types"
)

func TestValidateAccepts(t *testing.T) {
	valid := []string{
		"example.com",
		"EXAMPLE.COM",
		"sub.example.com",
		"a-b.example.co.uk",
		"123.example.io",
		"  example.com  ",
	}

	for _, domain := range valid {
		assert.NoError(t, Validate(domain), "domain %q should validate", domain)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		domain string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"too short", "ab"},
		{"special characters", "bad_domain!!"},
		{"spaces inside", "exa mple.com"},
		{"leading dot", ".example.com"},
		{"trailing dot", "example.com."},
		{"double dot", "example..com"},
		{"no tld", "localhost"},
		{"leading hyphen label", "-example.com"},
		{"trailing hyphen label", "example-.com"},
		{"scheme", "https://example.com"},
		{"too long", strings.Repeat("a", 250) + ".com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.domain)
			require.Error(t, err)

			var ve *types.ValidationError
			assert.True(t, errors.As(err, &ve), "expected ValidationError, got %T", err)
		})
	}
}

func TestValidateLabelLength(t *testing.T) {
	longLabel := strings.Repeat("a", 64) + ".com"
	require.Error(t, Validate(longLabel))

	okLabel := strings.Repeat("a", 63) + ".com"
	assert.NoError(t, Validate(okLabel))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "example.com", Normalize("  EXAMPLE.com "))
}
