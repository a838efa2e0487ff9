package branch

import (
	"fmt"

	"strata/pkg/errs"
)

// MaxNameLength is the maximum length, in bytes, of a branch name.
const MaxNameLength = 256

// ValidateName applies the branch-name validation rules: 1-256
// characters, alphanumeric/dash/underscore/dot only, and it must not
// start with a dash or dot.
func ValidateName(name string) error {
	if len(name) == 0 {
		return errs.New(errs.InvalidInput, "branch name must not be empty")
	}
	if len(name) > MaxNameLength {
		return errs.New(errs.InvalidInput, fmt.Sprintf("branch name exceeds %d characters", MaxNameLength))
	}
	first := rune(name[0])
	if !isAlphanumeric(first) && first != '_' {
		return errs.New(errs.InvalidInput, fmt.Sprintf("branch name cannot start with %q", first))
	}
	for i, r := range name {
		if !isValidNameChar(r) {
			return errs.New(errs.InvalidInput, fmt.Sprintf("branch name has invalid character %q at position %d", r, i))
		}
	}
	return nil
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isValidNameChar(r rune) bool {
	return isAlphanumeric(r) || r == '-' || r == '_' || r == '.'
}
