package manifest

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ValentinKolb/kvhost/lib/errs"
)

const maxNameLength = 128

// names end up as directory names, so they are restricted to a safe charset
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateName checks that name can be used as a database name
func ValidateName(name string) error {
	if name == "" {
		return errs.New(errs.CodeInvalidArgument, "database name must not be empty")
	}
	if len(name) > maxNameLength {
		return errs.New(errs.CodeInvalidArgument, "database name %q is longer than %d characters", name, maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return errs.New(errs.CodeInvalidArgument, "database name %q contains invalid characters", name)
	}
	return nil
}

// pathsOverlap reports whether a and b are the same directory or one
// contains the other
func pathsOverlap(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	return a == b || within(a, b) || within(b, a)
}

func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
