package config

import "fmt"

// CurrentVersion is the config schema version this build reads.
const CurrentVersion = 1

// VersionError reports a config written for a different schema version.
type VersionError struct {
	Found int
}

func (e *VersionError) Error() string {
	if e.Found == 0 {
		return "config: missing version field; add `version: 1` or run `petrel doctor --repair`"
	}
	if e.Found > CurrentVersion {
		return fmt.Sprintf("config: version %d is newer than this build supports (%d); upgrade petrel", e.Found, CurrentVersion)
	}
	return fmt.Sprintf("config: version %d is no longer supported; set version: %d and review the schema (`petrel config schema`)", e.Found, CurrentVersion)
}

// ValidateVersion checks a config version against CurrentVersion.
func ValidateVersion(v int) error {
	if v != CurrentVersion {
		return &VersionError{Found: v}
	}
	return nil
}
