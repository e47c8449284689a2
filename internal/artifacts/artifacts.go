// Package artifacts holds files embedded into the lockcache binary.
package artifacts

import _ "embed"

// DefaultSettings is the settings.yaml used when the home directory has none.
// Its keys also document the settings file format.
//
//go:embed global/settings.yaml
var DefaultSettings []byte
