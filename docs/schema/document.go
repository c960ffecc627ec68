// Package schema exposes the embedded, versioned MODO schema document.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
)

// Canonical MODO schema document embedded for runtime introspection.
//
//go:embed modos-schema.json
var modosSchema []byte

type fingerprintDoc struct {
	Version string `json:"version"`
}

var (
	verOnce sync.Once
	version string
	verErr  error
)

// Version returns the schema version declared in the embedded document.
func Version() (string, error) {
	verOnce.Do(func() {
		var fp fingerprintDoc
		verErr = json.Unmarshal(modosSchema, &fp)
		if verErr == nil {
			version = fp.Version
		}
	})
	return version, verErr
}

// Document returns a copy of the raw schema JSON for the requested version.
// An empty version selects the embedded default.
func Document(v string) ([]byte, error) {
	current, err := Version()
	if err != nil {
		return nil, fmt.Errorf("decode embedded schema: %w", err)
	}
	if v != "" && v != current {
		return nil, fmt.Errorf("schema version %q not available (embedded %q)", v, current)
	}
	out := make([]byte, len(modosSchema))
	copy(out, modosSchema)
	return out, nil
}
