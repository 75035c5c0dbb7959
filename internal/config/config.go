// Package config handles Foreman configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config flag) is checked first.
// Then: ./foreman.yaml, ~/.config/foreman/config.yaml, /etc/foreman/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"foreman.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "foreman", "config.yaml"))
	}

	paths = append(paths, "/etc/foreman/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Foreman configuration.
type Config struct {
	Listen     ListenConfig        `yaml:"listen"`
	Store      StoreConfig         `yaml:"store"`
	Providers  ProvidersConfig     `yaml:"providers"`
	Runner     RunnerConfig        `yaml:"runner"`
	Escalation map[string][]string `yaml:"escalation"`
	Dispatch   DispatchConfig      `yaml:"dispatch"`
	MQTT       MQTTConfig          `yaml:"mqtt"`
	Proxy      ProxyConfig         `yaml:"proxy"`
	GitHub     GitHubConfig        `yaml:"github"`
	LogLevel   string              `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// StoreConfig defines the work-order store settings.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite database path
}

// ProvidersConfig defines LLM provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines OpenAI-compatible API settings. BaseURL lets the
// same adapter drive any chat-completions-shaped endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// RunnerConfig bounds the execution loop. Zero values fall back to the
// defaults applied by ApplyDefaults.
type RunnerConfig struct {
	// MaxHistoryPairs is the turn-pair budget before compaction.
	MaxHistoryPairs int `yaml:"max_history_pairs"`
	// CheckpointThresholdSec is the elapsed-time budget before the loop
	// suspends. Must sit comfortably inside the host's hard wall-clock
	// limit so one long turn cannot overshoot it badly.
	CheckpointThresholdSec int `yaml:"checkpoint_threshold_sec"`
	// StableCheckpoints is the count below which a resume proceeds
	// without consulting the circuit breaker.
	StableCheckpoints int `yaml:"stable_checkpoints"`
	// HardCapCheckpoints always fails the work order regardless of the
	// circuit breaker verdict.
	HardCapCheckpoints int `yaml:"hard_cap_checkpoints"`
	// StallThreshold is the consecutive non-productive turn limit.
	StallThreshold int `yaml:"stall_threshold"`
	// APIRetryLimit bounds in-place retries of transient provider errors.
	APIRetryLimit int `yaml:"api_retry_limit"`
	// RemediationDepth caps auto-created remediation orders per root order.
	RemediationDepth int `yaml:"remediation_depth"`
}

// ApplyDefaults fills zero-valued runner fields with working defaults.
func (r *RunnerConfig) ApplyDefaults() {
	if r.MaxHistoryPairs <= 0 {
		r.MaxHistoryPairs = 20
	}
	if r.CheckpointThresholdSec <= 0 {
		r.CheckpointThresholdSec = 480
	}
	if r.StableCheckpoints <= 0 {
		r.StableCheckpoints = 3
	}
	if r.HardCapCheckpoints <= 0 {
		r.HardCapCheckpoints = 8
	}
	if r.StallThreshold <= 0 {
		r.StallThreshold = 5
	}
	if r.APIRetryLimit <= 0 {
		r.APIRetryLimit = 3
	}
	if r.RemediationDepth <= 0 {
		r.RemediationDepth = 2
	}
}

// CheckpointThreshold returns the configured threshold as a duration.
func (r RunnerConfig) CheckpointThreshold() time.Duration {
	return time.Duration(r.CheckpointThresholdSec) * time.Second
}

// DispatchConfig bounds the batch driver.
type DispatchConfig struct {
	// WaveSlots is the number of work orders started concurrently per wave.
	WaveSlots int `yaml:"wave_slots"`
	// PollIntervalSec is the ready-queue re-poll interval between waves.
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// MQTTConfig defines the optional MQTT progress-event sink.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. mqtt://host:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default "foreman"
}

// ProxyConfig defines server-side rerouting for named tools. When a
// listed tool is dispatched, the call is forwarded to URL and the proxy
// performs the operation (and writes the mutation record) on our
// behalf. Failures fall back to local execution.
type ProxyConfig struct {
	Enabled    bool     `yaml:"enabled"`
	URL        string   `yaml:"url"`
	TimeoutSec int      `yaml:"timeout_sec"` // default 30
	Tools      []string `yaml:"tools"`
}

// GitHubConfig defines credentials for the source-control toolset.
type GitHubConfig struct {
	Token string `yaml:"token"`
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.Runner.ApplyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen:   ListenConfig{Port: 8080},
		Store:    StoreConfig{Path: "foreman.db"},
		Dispatch: DispatchConfig{WaveSlots: 4, PollIntervalSec: 30},
		MQTT:     MQTTConfig{TopicPrefix: "foreman"},
		Proxy:    ProxyConfig{TimeoutSec: 30},
	}
	cfg.Runner.ApplyDefaults()
	return cfg
}
