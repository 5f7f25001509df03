package config

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
	"tools.zach/dev/swaddle/internal/migrate"
)

func init() {
	migrate.Config.Register(migrate.Migration{
		Version:     2,
		Description: "suffix server durations with _seconds",
		Upgrade:     upgradeServerDurations,
	})
}

// legacyServerKeys maps unversioned [server] keys to their v2 names.
var legacyServerKeys = map[string]string{
	"inhibit_duration": "inhibit_duration_seconds",
	"sleep_duration":   "sleep_duration_seconds",
}

// upgradeServerDurations renames the unsuffixed [server] duration keys used by
// unversioned config files. A key already present under its new name wins.
func upgradeServerDurations(data []byte) ([]byte, error) {
	doc := map[string]any{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode v1 config: %w", err)
	}

	if server, ok := doc["server"].(map[string]any); ok {
		for oldKey, newKey := range legacyServerKeys {
			v, ok := server[oldKey]
			if !ok {
				continue
			}
			delete(server, oldKey)
			if _, exists := server[newKey]; !exists {
				server[newKey] = v
			}
		}
	}
	doc["version"] = 2

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("encode v2 config: %w", err)
	}
	return buf.Bytes(), nil
}
