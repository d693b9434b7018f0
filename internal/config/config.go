// Package config loads encapure's runtime configuration in three
// layers — built-in defaults, then a .encapure.toml file, then
// environment variables — with each later layer overriding the last.
// No CLI flag overrides a Config field; the cobra flags in
// cmd/encapured cover per-command options and --ort-lib only.
package config

import (
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/dannyavrs/encapure/internal/session"
)

// Config is the full set of tunables spec.md §6 enumerates.
type Config struct {
	BiencoderModelDir    string `toml:"biencoder-model-dir"`
	CrossencoderModelDir string `toml:"crossencoder-model-dir"`
	CatalogPath          string `toml:"catalog-path"`

	Preset       string `toml:"preset"` // single-request | high-throughput | custom
	PoolSize     int    `toml:"pool-size"`
	Permits      int    `toml:"permits"`
	IntraThreads int    `toml:"intra-threads"`

	RetrievalCandidates int `toml:"retrieval-candidates"`
	MaxSeqLength        int `toml:"max-seq-length"`
	BatchSize           int `toml:"batch-size"`

	EmbeddingsCachePath string `toml:"embeddings-cache-path"`
	ShutdownTimeoutSec  int    `toml:"shutdown-timeout-sec"`

	HTTPAddr string `toml:"http-addr"`
	LogLevel string `toml:"log-level"`
}

// Defaults returns the spec-mandated defaults before any layer is
// applied.
func Defaults() Config {
	return Config{
		CatalogPath:         "./catalog.json",
		Preset:              session.PresetSingleRequest,
		RetrievalCandidates: 20,
		MaxSeqLength:        1024,
		BatchSize:           32,
		EmbeddingsCachePath: "./encapure-cache.bin",
		ShutdownTimeoutSec:  30,
		HTTPAddr:            ":8080",
		LogLevel:            "info",
	}
}

// Load builds a Config by applying, in order: Defaults(), the
// .encapure.toml file at tomlPath (if present — a missing file is not
// an error), then environment variables. There is no flag layer.
func Load(tomlPath string) (Config, error) {
	cfg := Defaults()

	if data, err := os.ReadFile(tomlPath); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("ENCAPURE_BIENCODER_MODEL_DIR", &c.BiencoderModelDir)
	str("ENCAPURE_CROSSENCODER_MODEL_DIR", &c.CrossencoderModelDir)
	str("ENCAPURE_CATALOG_PATH", &c.CatalogPath)
	str("ENCAPURE_PRESET", &c.Preset)
	num("POOL_SIZE", &c.PoolSize)
	num("PERMITS", &c.Permits)
	num("INTRA_THREADS", &c.IntraThreads)
	num("RETRIEVAL_CANDIDATES", &c.RetrievalCandidates)
	num("MAX_SEQ_LENGTH", &c.MaxSeqLength)
	num("BATCH_SIZE", &c.BatchSize)
	str("EMBEDDINGS_CACHE_PATH", &c.EmbeddingsCachePath)
	num("SHUTDOWN_TIMEOUT_SEC", &c.ShutdownTimeoutSec)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("LOG_LEVEL", &c.LogLevel)
}

// SessionConfig resolves the pool/permit/thread preset for both
// engines, validating P*T against the physical core count (a warning,
// not a hard failure — spec.md §5's thread budget rule).
func (c Config) SessionConfig() (session.Config, bool, int, error) {
	custom := session.Config{Sessions: c.PoolSize, Permits: c.Permits, Threads: c.IntraThreads}
	sc, err := session.Resolve(c.Preset, custom)
	if err != nil {
		return session.Config{}, false, 0, err
	}
	ok, cores := sc.Validate()
	return sc, ok, cores, nil
}
