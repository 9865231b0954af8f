// Package version decides if a published package version is newer than a
// pinned one.
package version

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	pep440 "github.com/aquasecurity/go-pep440-version"

	"github.com/simplesurance/depbump/internal/bumperr"
)

const opCompare = "version.compare"

// IsUpdateAvailable returns true if latest is newer than current.
//
// An empty latest version means it is unknown, false is returned.
// An empty current version means the package is not pinned, every known
// latest version is an update.
// Versions are ordered according to PEP 440, versions that are not valid PEP
// 440 versions are compared as semantic versions.
// If the versions can not be parsed, false and a bumperr.KindMalformedInput
// error is returned.
func IsUpdateAvailable(current, latest string) (bool, error) {
	if latest == "" {
		return false, nil
	}

	if current == "" {
		return true, nil
	}

	newer, pepErr := pep440Newer(current, latest)
	if pepErr == nil {
		return newer, nil
	}

	newer, semverErr := semverNewer(current, latest)
	if semverErr == nil {
		return newer, nil
	}

	return false, bumperr.MalformedInput(
		opCompare,
		fmt.Errorf("comparing %q with %q failed: %w", current, latest, pepErr),
	)
}

func pep440Newer(current, latest string) (bool, error) {
	cur, err := pep440.Parse(current)
	if err != nil {
		return false, fmt.Errorf("parsing version %q failed: %w", current, err)
	}

	lat, err := pep440.Parse(latest)
	if err != nil {
		return false, fmt.Errorf("parsing version %q failed: %w", latest, err)
	}

	return cur.LessThan(lat), nil
}

func semverNewer(current, latest string) (bool, error) {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return false, err
	}

	lat, err := semver.NewVersion(latest)
	if err != nil {
		return false, err
	}

	return lat.GreaterThan(cur), nil
}
