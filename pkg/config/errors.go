package config

import (
	"errors"
	"fmt"
)

var (
	ErrConfig = errors.New("config error")

	ErrInvalidTemplate  = errors.New("invalid VM template")
	ErrInvalidTopology  = errors.New("invalid topology")
	ErrInvalidProperty  = errors.New("invalid device property")
	ErrUnknownEndpoint  = errors.New("link references undeclared node")
	ErrSelfLink         = errors.New("link connects node to itself")
	ErrDuplicateNode    = errors.New("duplicate node name")
	ErrMissingPath      = errors.New("filesystem path does not exist")
	ErrCouldNotReadFile = errors.New("could not read config file")
	ErrCouldNotDecode   = errors.New("could not decode config file")
)

// Errorf returns an error matching both ErrConfig and kind.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrConfig, kind, fmt.Sprintf(format, args...))
}
