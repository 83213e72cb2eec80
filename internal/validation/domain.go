package validation

import (
	"regexp"
	"strings"

	"github.com/pentestexpress/scanpipe/pkg/types"
)

// safeDomain matches the accepted character set for a target domain.
// Length bounds follow RFC 1035 (253 octets max for a full name).
var safeDomain = regexp.MustCompile(`^[a-z0-9.-]{3,253}$`)

// Validate rejects malformed target domains before any resource is
// allocated. It accepts lowercase-normalized names of 3-253 characters
// drawn from [a-z0-9.-], with at least one dot, no empty labels, and no
// label starting or ending with a hyphen.
func Validate(domain string) error {
	trimmed := strings.TrimSpace(domain)
	if trimmed == "" {
		return &types.ValidationError{Domain: domain, Reason: "empty domain"}
	}

	lower := strings.ToLower(trimmed)
	if !safeDomain.MatchString(lower) {
		return &types.ValidationError{Domain: domain, Reason: "must be 3-253 characters of [a-z0-9.-]"}
	}

	if strings.HasPrefix(lower, ".") || strings.HasSuffix(lower, ".") {
		return &types.ValidationError{Domain: domain, Reason: "leading or trailing dot"}
	}

	if !strings.Contains(lower, ".") {
		return &types.ValidationError{Domain: domain, Reason: "missing top-level domain"}
	}

	for _, label := range strings.Split(lower, ".") {
		if label == "" {
			return &types.ValidationError{Domain: domain, Reason: "empty label"}
		}
		if len(label) > 63 {
			return &types.ValidationError{Domain: domain, Reason: "label longer than 63 characters"}
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return &types.ValidationError{Domain: domain, Reason: "label starts or ends with hyphen"}
		}
	}

	return nil
}

// Normalize returns the canonical lowercase form of a domain that has
// already passed Validate.
func Normalize(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
