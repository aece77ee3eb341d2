package flowcache

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidArgument is returned synchronously for malformed database
	// names, switch identifiers or query parameters.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownDatabase is returned when reading a database that has never
	// been written to.
	ErrUnknownDatabase = fmt.Errorf("%w: unknown database", ErrInvalidArgument)
	// ErrPathAssigned is returned when a record already belongs to another path.
	ErrPathAssigned = fmt.Errorf("%w: path id already assigned", ErrInvalidArgument)
	// ErrTimeout distinguishes "no data yet" from "no matching data".
	ErrTimeout = errors.New("timed out")
	// ErrRejected is returned when the worker pool cannot accept more work.
	ErrRejected = errors.New("rejected")
	// ErrUnknownSwitch is returned by collaborators that cannot address a switch.
	ErrUnknownSwitch = errors.New("unknown switch")

	ErrNotFound = errors.New("not found")
)

// DefaultDatabase always exists and mirrors the state reported by switches.
const DefaultDatabase = "default"

var databaseName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// ValidateDatabase checks that name can be used as a database name.
func ValidateDatabase(name string) error {
	if !databaseName.MatchString(name) {
		return fmt.Errorf("%w: database name %q", ErrInvalidArgument, name)
	}
	return nil
}
