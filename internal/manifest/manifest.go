// Package manifest parses and renders requirements style dependency
// manifests.
//
// A manifest contains one package per line, optionally pinned to a version
// with the "name==version" syntax. Blank lines and lines starting with "#"
// are ignored.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/simplesurance/depbump/internal/orderedmap"
)

// DefaultFilePath is the manifest path in a repository that is used when
// none is specified.
const DefaultFilePath = "requirements.txt"

const pinDelimiter = "=="

// Pin is the version a package is pinned to.
// The empty Pin means the package is not pinned, it is encoded as JSON null.
type Pin string

func (p Pin) IsSet() bool {
	return p != ""
}

func (p Pin) MarshalJSON() ([]byte, error) {
	if p == "" {
		return []byte("null"), nil
	}

	return json.Marshal(string(p))
}

// Dependencies maps package names to their pins, in manifest order.
type Dependencies = orderedmap.Map[Pin]

func NewDependencies() *Dependencies {
	return orderedmap.New[Pin]()
}

// Parse returns the dependencies listed in text.
// Lines that can not be interpreted as a pin are treated as a bare package
// name. If a package is listed multiple times, the last pin wins and the
// package keeps the position of its first occurrence.
func Parse(text string) *Dependencies {
	result := NewDependencies()

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, pin := parseLine(line)
		if name == "" {
			continue
		}

		result.Set(name, pin)
	}

	return result
}

func parseLine(line string) (string, Pin) {
	name, version, found := strings.Cut(line, pinDelimiter)
	if !found {
		return line, ""
	}

	return strings.TrimSpace(name), Pin(strings.TrimSpace(version))
}

// Line returns the manifest line for a package.
func Line(name string, pin Pin) string {
	if !pin.IsSet() {
		return name
	}

	return name + pinDelimiter + string(pin)
}

// ValidateEntry returns an error if the package can not be written as a
// manifest line that parses back to the same name and pin.
func ValidateEntry(name string, pin Pin) error {
	switch {
	case name == "":
		return errors.New("package name is empty")
	case strings.TrimSpace(name) != name:
		return fmt.Errorf("package name %q has leading or trailing whitespace", name)
	case strings.HasPrefix(name, "#"):
		return fmt.Errorf("package name %q starts with #", name)
	case strings.Contains(name, pinDelimiter):
		return fmt.Errorf("package name %q contains %s", name, pinDelimiter)
	case strings.ContainsAny(name, "\r\n"):
		return fmt.Errorf("package name %q contains a line break", name)
	case strings.ContainsAny(string(pin), "\r\n"):
		return fmt.Errorf("version %q of package %q contains a line break", pin, name)
	case strings.TrimSpace(string(pin)) != string(pin):
		return fmt.Errorf("version %q of package %q has leading or trailing whitespace", pin, name)
	}

	return nil
}

// Validate returns an error if an entry of deps is invalid, see
// ValidateEntry.
func Validate(deps *Dependencies) error {
	var err error

	deps.Foreach(func(name string, pin Pin) bool {
		err = ValidateEntry(name, pin)
		return err == nil
	})

	return err
}
