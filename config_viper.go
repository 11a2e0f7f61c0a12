// Optional file-based configuration loading via viper, for deployments
// that want Config sourced from a repo.yaml/repo.json alongside the
// store directory instead of constructed in code.
package silo

import (
	"github.com/spf13/viper"
)

// LoadConfig reads path (any format viper supports: YAML, JSON, TOML)
// into a Config. Missing keys keep Go's zero value, which Open then
// defaults normally.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	cfg.HashAlgorithm = v.GetInt("hashAlgorithm")
	cfg.MaxArchiveSize = v.GetInt64("maxArchiveSize")
	cfg.SegmentCacheBytes = v.GetInt64("segmentCacheBytes")
	cfg.StringCacheEntries = v.GetInt("stringCacheEntries")
	cfg.TemplateCacheEntries = v.GetInt("templateCacheEntries")
	cfg.SyncWrites = v.GetBool("syncWrites")
	cfg.MemoryMapping = v.GetBool("memoryMapping")

	gc := v.Sub("gc")
	if gc != nil {
		cfg.GC.GainThreshold = gc.GetInt("gainThreshold")
		cfg.GC.RetryCount = gc.GetInt("retryCount")
		cfg.GC.ForceAfterFail = gc.GetBool("forceAfterFail")
		cfg.GC.LockWaitTime = gc.GetDuration("lockWaitTime")
		cfg.GC.RetainedGenerations = gc.GetInt("retainedGenerations")
		cfg.GC.RewriteThresholdPct = gc.GetInt("rewriteThresholdPct")
		cfg.GC.FlushInterval = gc.GetDuration("flushInterval")
		cfg.GC.CompactionCheckInterval = gc.GetDuration("compactionCheckInterval")
		cfg.GC.DiskSpaceCheckInterval = gc.GetDuration("diskSpaceCheckInterval")
		cfg.GC.MinFreeBytes = gc.GetInt64("minFreeBytes")
	}

	return cfg, nil
}
