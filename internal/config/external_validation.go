package config

import "sync"

// ExternalValidator is a validation hook contributed by another
// package. The skills package registers one so skill-declared
// capability requirements are checked at load time without this
// package importing skills.
type ExternalValidator func(*Config) error

var (
	externalMu   sync.RWMutex
	externalVals []ExternalValidator
)

// RegisterExternalValidator adds a hook run during Config.Validate.
// Call from an init function or before Load.
func RegisterExternalValidator(v ExternalValidator) {
	if v == nil {
		return
	}
	externalMu.Lock()
	defer externalMu.Unlock()
	externalVals = append(externalVals, v)
}

func externalValidators() []ExternalValidator {
	externalMu.RLock()
	defer externalMu.RUnlock()
	out := make([]ExternalValidator, len(externalVals))
	copy(out, externalVals)
	return out
}

// ResetExternalValidatorsForTest clears registered hooks.
func ResetExternalValidatorsForTest() {
	externalMu.Lock()
	defer externalMu.Unlock()
	externalVals = nil
}
