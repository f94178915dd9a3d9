package converge

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Config is the file-backed form of the resolver knobs, for hosts that take
// their tuning from a TOML file rather than wiring options in code. Zero
// values mean "use the default".
type Config struct {
	// RegistryPath is the shared registry database. Every process
	// coordinating on the same libraries must agree on it.
	RegistryPath string `toml:"registry_path"`
	// MaxMessageBytes bounds one protocol frame body.
	MaxMessageBytes uint32 `toml:"max_message_bytes"`
	// MaxConnections bounds simultaneous client connections to a primary.
	MaxConnections int `toml:"max_connections"`
	// RegistryBusyTimeout is a duration string, e.g. "5s".
	RegistryBusyTimeout string `toml:"registry_busy_timeout"`
	// ConnectTimeout is a duration string bounding one liveness probe.
	ConnectTimeout string `toml:"connect_timeout"`
}

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config load failed (%s)", path)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config parse failed (%s)", path)
	}
	if _, err := cfg.Options(); err != nil {
		return Config{}, errors.Wrapf(err, "config invalid (%s)", path)
	}
	return cfg, nil
}

// Options converts the config into resolver options, validating duration
// fields. Unset fields contribute nothing, leaving the defaults in place.
func (c Config) Options() ([]Option, error) {
	var opts []Option
	if c.RegistryPath != "" {
		opts = append(opts, WithRegistryPath(c.RegistryPath))
	}
	if c.MaxMessageBytes > 0 {
		opts = append(opts, WithMaxMessageBytes(c.MaxMessageBytes))
	}
	if c.MaxConnections < 0 {
		return nil, errors.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxConnections > 0 {
		opts = append(opts, WithMaxConnections(c.MaxConnections))
	}
	busy, err := parseDurationField("registry_busy_timeout", c.RegistryBusyTimeout)
	if err != nil {
		return nil, err
	}
	if busy > 0 {
		opts = append(opts, WithRegistryBusyTimeout(busy))
	}
	connect, err := parseDurationField("connect_timeout", c.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	if connect > 0 {
		opts = append(opts, WithConnectTimeout(connect))
	}
	return opts, nil
}

func parseDurationField(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", name, value)
	}
	if d <= 0 {
		return 0, errors.Errorf("%s must be positive, got %q", name, value)
	}
	return d, nil
}
