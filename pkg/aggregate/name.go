package aggregate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// moduleNameRe matches lowercase letters with optional single hyphens between
// them: "bank-account" is valid, "Bank", "bank--account" and "-bank" are not.
var moduleNameRe = regexp.MustCompile(`^[a-z](?:-?[a-z])*$`)

// ErrInvalidModuleName is returned for names that do not match the required
// pattern.
var ErrInvalidModuleName = errors.New("aggregate: module names must match ^[a-z](?:-?[a-z])*$")

// ModuleName is a validated aggregate module identifier. The zero value is
// invalid; construct through NewModuleName.
type ModuleName struct {
	name string
}

// NewModuleName validates and wraps a module name.
func NewModuleName(name string) (ModuleName, error) {
	if !moduleNameRe.MatchString(name) {
		return ModuleName{}, fmt.Errorf("%w: %q", ErrInvalidModuleName, name)
	}
	return ModuleName{name: name}, nil
}

func (n ModuleName) String() string { return n.name }

// IsZero reports whether the name was never constructed.
func (n ModuleName) IsZero() bool { return n.name == "" }

// ModuleID identifies a specific version of an aggregate module.
type ModuleID struct {
	Name    ModuleName
	Version *semver.Version
}

// NewModuleID builds a ModuleID from a name and a semver version string.
func NewModuleID(name, version string) (ModuleID, error) {
	mn, err := NewModuleName(name)
	if err != nil {
		return ModuleID{}, err
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return ModuleID{}, fmt.Errorf("aggregate: invalid module version %q: %w", version, err)
	}
	return ModuleID{Name: mn, Version: v}, nil
}

// ParseModuleID parses "name" or "name@version" (the convention for module
// file stems). A bare name gets version 0.0.0.
func ParseModuleID(s string) (ModuleID, error) {
	name, version, found := strings.Cut(s, "@")
	if !found {
		version = "0.0.0"
	}
	return NewModuleID(name, version)
}

func (id ModuleID) String() string {
	if id.Version == nil {
		return id.Name.String()
	}
	return id.Name.String() + "@" + id.Version.String()
}
