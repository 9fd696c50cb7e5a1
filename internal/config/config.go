package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration record. Every field the pipeline or
// the gateway tunes lives here; nothing reads environment variables
// directly outside this package.
type Config struct {
	StateDir  string          `mapstructure:"state_dir"`
	Server    ServerConfig    `mapstructure:"server"`
	Inference InferenceConfig `mapstructure:"inference"`
	Selector  SelectorConfig  `mapstructure:"selector"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// InferenceConfig points at the OpenAI-compatible backend.
type InferenceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout returns the inference call timeout, defaulting to 120 s.
func (c InferenceConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SelectorConfig holds model selection weights and hard thresholds.
type SelectorConfig struct {
	Weights        Weights `mapstructure:"weights"`
	CoveMin        float64 `mapstructure:"cove_min"`
	RetrievalF1Min float64 `mapstructure:"retrieval_f1_min"`
	// LatencyCapMS bounds the latency normalization: latencies at or
	// above the cap score 0 on the latency axis.
	LatencyCapMS float64 `mapstructure:"latency_cap_ms"`
}

// Weights are the per-axis score weights. They need not sum to 1.
type Weights struct {
	Latency    float64 `mapstructure:"latency"`
	Throughput float64 `mapstructure:"throughput"`
	Cove       float64 `mapstructure:"cove"`
	Retrieval  float64 `mapstructure:"retrieval"`
}

// SchedulerConfig tunes the trigger host.
type SchedulerConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	AutobenchJitterSec int  `mapstructure:"autobench_jitter_sec"`
	BootDelaySec       int  `mapstructure:"boot_delay_sec"`
}

// PipelineConfig carries advisory resource ceilings for a pipeline run.
type PipelineConfig struct {
	MemMaxGiB       int `mapstructure:"mem_max_gib"`
	CPUQuotaPercent int `mapstructure:"cpu_quota_percent"`
}

// DefaultStateDir resolves the state root: MILTON_STATE_DIR when set,
// otherwise ~/.local/state/milton.
func DefaultStateDir() string {
	if dir := strings.TrimSpace(os.Getenv("MILTON_STATE_DIR")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".milton")
	}
	return filepath.Join(home, ".local", "state", "milton")
}

// Load reads configuration from the optional YAML file at path, applies
// MILTON_* environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MILTON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir()
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", DefaultStateDir())
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8321)
	v.SetDefault("inference.base_url", "http://127.0.0.1:8080/v1")
	v.SetDefault("inference.model", "milton-edge")
	v.SetDefault("inference.timeout_seconds", 120)
	v.SetDefault("selector.weights.latency", 0.25)
	v.SetDefault("selector.weights.throughput", 0.25)
	v.SetDefault("selector.weights.cove", 0.25)
	v.SetDefault("selector.weights.retrieval", 0.25)
	v.SetDefault("selector.cove_min", 0.90)
	v.SetDefault("selector.retrieval_f1_min", 0.50)
	v.SetDefault("selector.latency_cap_ms", 1000.0)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.autobench_jitter_sec", 1800)
	v.SetDefault("scheduler.boot_delay_sec", 300)
	v.SetDefault("pipeline.mem_max_gib", 8)
	v.SetDefault("pipeline.cpu_quota_percent", 400)
}

// StatePath joins elems under the state root.
func (c *Config) StatePath(elems ...string) string {
	return filepath.Join(append([]string{c.StateDir}, elems...)...)
}
