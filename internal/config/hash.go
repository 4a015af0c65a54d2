package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig fingerprints a decoded config so rewrites that leave the
// content alone are not republished. It returns 0 when cfg is nil.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
