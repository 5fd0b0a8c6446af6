package app

import (
	"encoding/json"
	"fmt"
	"os"
)

// keysFile is the on-disk api-keys format: a flat list of credentials
// plus the upstream base URL they dispatch against.
type keysFile struct {
	Keys    []string `json:"keys"`
	BaseURL string   `json:"baseUrl"`
}

func loadKeysFile(path string) (keysFile, error) {
	var kf keysFile
	if path == "" {
		return kf, fmt.Errorf("no keys file configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return kf, fmt.Errorf("reading keys file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &kf); err != nil {
		return kf, fmt.Errorf("parsing keys file %s: %w", path, err)
	}
	if len(kf.Keys) == 0 {
		return kf, fmt.Errorf("keys file %s has no keys", path)
	}
	return kf, nil
}
