// Package semver checks the version an endpoint declares in its identify
// handshake against the control plane's version policy.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:policy"

var (
	majorOnlyRegex = regexp.MustCompile(`^\d+$`)
	methodRegex    = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
)

// Policy decides which endpoint versions may identify. The zero Policy
// allows everything.
type Policy struct {
	expr       string
	major      int
	constraint *masterminds.Constraints
}

// NewPolicy parses a constraint expression. Supported forms:
//   - ""                 (allow any version, including none)
//   - 2                  (major only)
//   - >=1.4.0            (comparison)
//   - ^1.4.0, ~1.4.0     (caret / tilde ranges)
//   - >=1.0.0 <3.0.0     (combined)
func NewPolicy(expr string) (*Policy, error) {
	expr = strings.TrimSpace(expr)
	p := &Policy{expr: expr, major: -1}
	if expr == "" {
		return p, nil
	}
	if IsMajorOnly(expr) {
		p.major, _ = strconv.Atoi(expr)
		return p, nil
	}
	c, err := masterminds.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid version constraint %q: %w", logPrefix, expr, err)
	}
	p.constraint = c
	return p, nil
}

// String returns the original expression.
func (p *Policy) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// Allows returns nil when version satisfies the policy, otherwise an error
// suitable for a rejected handshake's reason.
func (p *Policy) Allows(version string) error {
	if p == nil || p.expr == "" {
		return nil
	}
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return fmt.Errorf("version %q is not a semantic version", version)
	}
	if p.major >= 0 {
		if int(sv.Major()) != p.major {
			return fmt.Errorf("version %s does not match required major %d", version, p.major)
		}
		return nil
	}
	if ok, errs := p.constraint.Validate(sv); !ok {
		if len(errs) > 0 {
			return fmt.Errorf("version %s rejected: %v", version, errs[0])
		}
		return fmt.Errorf("version %s does not satisfy %s", version, p.expr)
	}
	return nil
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// ValidateMethodName reports whether name is usable as a method or capability
// name (letters, digits, dots, hyphens, underscores; starts with a letter).
func ValidateMethodName(name string) bool {
	return methodRegex.MatchString(name)
}
