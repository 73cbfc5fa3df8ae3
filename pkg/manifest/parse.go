package manifest

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// configPattern locates the JSON object assigned to htmlConfig in config.js.
// The host publishes no schema version; if the script shape changes, this
// pattern and viewerConfig are the only places to update.
var configPattern = regexp.MustCompile(`(?s)var htmlConfig = (\{.*?\});`)

// viewerConfig is the subset of htmlConfig the mirror needs.
type viewerConfig struct {
	Pages []struct {
		N []string `json:"n"`
	} `json:"fliphtml5_pages"`
}

// Parse extracts the ordered raw page references from a config.js body.
// Entries without a reference are skipped; a config yielding no pages is malformed.
func Parse(body []byte) ([]string, error) {
	match := configPattern.FindSubmatch(body)
	if match == nil {
		return nil, fmt.Errorf("%w: htmlConfig assignment not found", ErrConfigMalformed)
	}

	var cfg viewerConfig
	if err := json.Unmarshal(match[1], &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigMalformed, err)
	}

	refs := make([]string, 0, len(cfg.Pages))
	for _, p := range cfg.Pages {
		if len(p.N) == 0 || strings.TrimSpace(p.N[0]) == "" {
			continue
		}
		refs = append(refs, p.N[0])
	}

	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: no page entries", ErrConfigMalformed)
	}

	return refs, nil
}
