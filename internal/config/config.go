// Package config provides the viper-backed configuration singleton for
// axiomme. Environment variables are prefixed AXIOMME_ and take precedence
// over the optional axiomme.yaml at the install root, which in turn takes
// precedence over defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

var (
	v  *viper.Viper
	mu sync.RWMutex
)

// Defaults for every tunable the core reads. Retrieval backend and
// reranker fall back to these when the env var carries an unknown value.
const (
	DefaultRetrievalBackend = "sqlite"
	DefaultReranker         = "doc-aware-v1"

	DefaultObserverIntervalTokens     = 800
	DefaultReflectorBufferThreshold   = 2400
	DefaultReflectorApplyThreshold    = 3200
	DefaultAnthropicModel             = "claude-haiku-4-5"
	DefaultPromotionStaleWindow       = 5 * time.Minute
	DefaultOutboxProcessingTimeoutSec = 300
)

// Initialize sets up the viper instance with defaults, env binding, and
// an optional axiomme.yaml at root. It is idempotent: calling it again
// with the same root is a no-op, and tests may call Reset between runs.
func Initialize(root string) error {
	mu.Lock()
	defer mu.Unlock()
	if v != nil {
		return nil
	}
	nv := viper.New()

	nv.SetDefault("root", root)
	nv.SetDefault("retrieval-backend", DefaultRetrievalBackend)
	nv.SetDefault("reranker", DefaultReranker)
	nv.SetDefault("db-path", filepath.Join(root, "state.db"))
	nv.SetDefault("observer-interval-tokens", DefaultObserverIntervalTokens)
	nv.SetDefault("reflector-buffer-threshold", DefaultReflectorBufferThreshold)
	nv.SetDefault("reflector-apply-threshold", DefaultReflectorApplyThreshold)
	nv.SetDefault("anthropic-model", DefaultAnthropicModel)
	nv.SetDefault("anthropic-api-key", "")
	nv.SetDefault("qdrant-url", "")

	nv.SetEnvPrefix("AXIOMME")
	nv.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	nv.AutomaticEnv()

	// Project-file layering, lowest precedence first: axiomme.toml,
	// then axiomme.yaml, then env vars (via AutomaticEnv above).
	if root != "" {
		if err := layerTOML(nv, filepath.Join(root, "axiomme.toml")); err != nil {
			return err
		}
	}
	nv.SetConfigName("axiomme")
	nv.SetConfigType("yaml")
	if root != "" {
		nv.AddConfigPath(root)
	}
	if err := nv.ReadInConfig(); err != nil {
		// A missing config file is the normal case; anything else
		// (malformed yaml) is surfaced so the operator notices.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	v = nv
	return nil
}

// layerTOML folds an optional axiomme.toml into the viper defaults, so
// yaml and env vars still win.
func layerTOML(nv *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var values map[string]any
	if err := toml.Unmarshal(data, &values); err != nil {
		return err
	}
	for key, value := range values {
		nv.SetDefault(key, value)
	}
	return nil
}

// Reset clears the singleton so tests can re-Initialize with a fresh root.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	v = nil
}

// GetString returns a string config value, or "" before Initialize.
func GetString(key string) string {
	mu.RLock()
	defer mu.RUnlock()
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetInt returns an int config value, or 0 before Initialize.
func GetInt(key string) int {
	mu.RLock()
	defer mu.RUnlock()
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// Root returns the configured install root.
func Root() string { return GetString("root") }

// DBPath returns the configured state database path.
func DBPath() string { return GetString("db-path") }

// validBackends and validRerankers gate the env-sourced selector values;
// unknown values fall back to defaults (spec.md §6).
var validBackends = map[string]bool{
	"sqlite": true, "memory": true, "qdrant": true, "hybrid": true,
}

var validRerankers = map[string]bool{
	"off": true, "doc-aware": true, "doc-aware-v1": true,
}

// RetrievalBackend returns the configured backend, falling back to the
// default on unknown values.
func RetrievalBackend() string {
	b := GetString("retrieval-backend")
	if !validBackends[b] {
		return DefaultRetrievalBackend
	}
	return b
}

// Reranker returns the configured reranker, falling back to the default
// on unknown values. "doc-aware" is accepted as an alias for the v1
// implementation.
func Reranker() string {
	r := GetString("reranker")
	if !validRerankers[r] {
		return DefaultReranker
	}
	if r == "doc-aware" {
		return "doc-aware-v1"
	}
	return r
}

// ObserverIntervalTokens is the pending-token threshold that triggers an
// observer event from the session write path (spec.md §4.7).
func ObserverIntervalTokens() int {
	if n := GetInt("observer-interval-tokens"); n > 0 {
		return n
	}
	return DefaultObserverIntervalTokens
}

// ReflectorBufferThreshold triggers om_reflect_buffer_requested.
func ReflectorBufferThreshold() int {
	if n := GetInt("reflector-buffer-threshold"); n > 0 {
		return n
	}
	return DefaultReflectorBufferThreshold
}

// ReflectorApplyThreshold triggers om_reflect_requested.
func ReflectorApplyThreshold() int {
	if n := GetInt("reflector-apply-threshold"); n > 0 {
		return n
	}
	return DefaultReflectorApplyThreshold
}

// AnthropicModel and AnthropicAPIKey configure the opt-in LLM extractor
// oracle; an empty key means the deterministic fallback is used.
func AnthropicModel() string { return GetString("anthropic-model") }

func AnthropicAPIKey() string { return GetString("anthropic-api-key") }

// QdrantURL is the external vector store endpoint for the qdrant/hybrid
// retrieval backends; empty means the backend errors and falls back to
// memory.
func QdrantURL() string { return GetString("qdrant-url") }
