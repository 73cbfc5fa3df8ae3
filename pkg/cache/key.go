package cache

import (
	"strings"
)

// Resource names used in cache keys.
const (
	ResourceConfig = "config"
)

// Key identifies one cached payload of one document.
type Key struct {
	// DocumentID is the flipbook identifier, e.g. "ousy/stby"
	DocumentID string

	// Resource is the payload kind (ResourceConfig)
	Resource string
}

// ConfigKey returns the key of a document's viewer configuration.
func ConfigKey(documentID string) Key {
	return Key{DocumentID: documentID, Resource: ResourceConfig}
}

// String generates a deterministic Redis key.
// Format: flipbook:<resource>:<document id without surrounding slashes>
//
// Example:
//
//	flipbook:config:ousy/stby
func (k Key) String() string {
	parts := []string{"flipbook"}

	if k.Resource != "" {
		parts = append(parts, k.Resource)
	}

	if id := strings.Trim(k.DocumentID, "/"); id != "" {
		parts = append(parts, id)
	}

	return strings.Join(parts, ":")
}
