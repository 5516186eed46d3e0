package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultPath = "/etc/portmuxd/config.yaml"

// Duration wraps time.Duration so config files can say "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the daemon's tunables. Every field has a working default;
// a config file is optional.
type Config struct {
	// RuntimeDir overrides the socket namespace root.
	RuntimeDir string `yaml:"runtime_dir"`
	// QueueDepth bounds how many requests may wait per binding while its
	// application starts.
	QueueDepth int `yaml:"queue_depth"`
	// QueueTimeout bounds how long a queued request waits before it is
	// answered with 503 and dropped.
	QueueTimeout Duration `yaml:"queue_timeout"`
	// DialTimeout bounds probe and proxy dials to private channels.
	DialTimeout Duration `yaml:"dial_timeout"`
	// MaxConns caps concurrent connections per public listener.
	MaxConns int `yaml:"max_conns"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		QueueDepth:   32,
		QueueTimeout: Duration(30 * time.Second),
		DialTimeout:  Duration(2 * time.Second),
		MaxConns:     512,
	}
}

// Load reads the config file named by PORTMUX_CONFIG, falling back to
// /etc/portmuxd/config.yaml. A missing file yields the defaults; a
// malformed one is an error.
func Load() (Config, error) {
	path := os.Getenv("PORTMUX_CONFIG")
	if path == "" {
		path = defaultPath
	}
	return loadFile(path)
}

func loadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be positive, got %d", c.QueueDepth)
	}
	if c.QueueTimeout <= 0 {
		return fmt.Errorf("queue_timeout must be positive")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("max_conns must be positive, got %d", c.MaxConns)
	}
	return nil
}
