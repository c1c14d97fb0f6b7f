// Package config parses the configuration of streamd from flags, a TOML file and the environment.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AutoMQ/streamio/pkg/stream"
	"github.com/AutoMQ/streamio/pkg/transport"
)

const (
	_envPrefix = "STREAMD"

	_defaultListen          = "127.0.0.1:8765"
	_defaultBufferLimit     = stream.DefaultLimit
	_defaultReadChunkSize   = 64 * 1024
	_defaultWriteHighWater  = 64 * 1024
	_defaultWriteLowWater   = 16 * 1024
	_defaultShutdownTimeout = 5 * time.Second
	_defaultLogLevel        = "INFO"
)

// Config is the configuration for streamd
type Config struct {
	v *viper.Viper

	Listen          string        `mapstructure:"listen"`
	BufferLimit     int           `mapstructure:"buffer-limit"`
	ReadChunkSize   int           `mapstructure:"read-chunk-size"`
	WriteHighWater  int           `mapstructure:"write-high-water"`
	WriteLowWater   int           `mapstructure:"write-low-water"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
	// MetricsAddr is the address of the Prometheus endpoint. Empty disables it.
	MetricsAddr string `mapstructure:"metrics-addr"`

	Log *Log `mapstructure:"log"`
}

// NewConfig creates a new config from command line arguments.
// It returns pflag.ErrHelp (wrapped) if -h or --help is given.
func NewConfig(arguments []string) (*Config, error) {
	cfg := &Config{
		Log: NewLog(),
	}

	v, fs := configure()

	// parse from command line
	fs.String("config", "", "configuration file")
	err := fs.Parse(arguments)
	if err != nil {
		return nil, errors.Wrap(err, "parse arguments")
	}

	// read configuration from file
	if c, _ := fs.GetString("config"); c != "" {
		v.SetConfigFile(c)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	// set config
	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}

	cfg.v = v
	return cfg, nil
}

// Adjust generates default values for some fields (if they are empty)
func (c *Config) Adjust() error {
	if c.WriteLowWater == 0 {
		c.WriteLowWater = c.WriteHighWater / 4
	}
	if err := c.Log.Adjust(); err != nil {
		return errors.WithMessage(err, "adjust log")
	}
	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("empty listen address")
	}
	if c.BufferLimit <= 0 {
		return errors.Errorf("invalid buffer limit `%d`", c.BufferLimit)
	}
	if c.ReadChunkSize <= 0 {
		return errors.Errorf("invalid read chunk size `%d`", c.ReadChunkSize)
	}
	if c.WriteHighWater <= 0 {
		return errors.Errorf("invalid write high water `%d`", c.WriteHighWater)
	}
	if c.WriteLowWater < 0 || c.WriteLowWater > c.WriteHighWater {
		return errors.Errorf("invalid write low water `%d`, it should be in [0, %d]", c.WriteLowWater, c.WriteHighWater)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.Errorf("invalid shutdown timeout `%s`", c.ShutdownTimeout)
	}
	return nil
}

// Transport returns the transport configuration of each connection.
func (c *Config) Transport() transport.Config {
	return transport.Config{
		ReadChunkSize:  c.ReadChunkSize,
		WriteHighWater: c.WriteHighWater,
		WriteLowWater:  c.WriteLowWater,
	}
}

// ConfigFileUsed returns the configuration file read, if any.
func (c *Config) ConfigFileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

func configure() (*viper.Viper, *pflag.FlagSet) {
	v := viper.New()
	fs := pflag.NewFlagSet("streamd", pflag.ContinueOnError)

	// Viper settings
	v.SetEnvPrefix(_envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	// server settings
	fs.String("listen", _defaultListen, "address to listen on")
	fs.Duration("shutdown-timeout", _defaultShutdownTimeout, "time to wait for connections to close on shutdown")
	fs.String("metrics-addr", "", "address of the Prometheus metrics endpoint, disabled if empty")
	_ = v.BindPFlag("listen", fs.Lookup("listen"))
	_ = v.BindPFlag("shutdown-timeout", fs.Lookup("shutdown-timeout"))
	_ = v.BindPFlag("metrics-addr", fs.Lookup("metrics-addr"))

	// stream settings
	fs.Int("buffer-limit", _defaultBufferLimit, "buffer size above which a connection stops reading")
	fs.Int("read-chunk-size", _defaultReadChunkSize, "size of each read from a connection")
	fs.Int("write-high-water", _defaultWriteHighWater, "queued bytes above which writers are paused")
	fs.Int("write-low-water", _defaultWriteLowWater, "queued bytes at or below which writers are resumed")
	_ = v.BindPFlag("buffer-limit", fs.Lookup("buffer-limit"))
	_ = v.BindPFlag("read-chunk-size", fs.Lookup("read-chunk-size"))
	_ = v.BindPFlag("write-high-water", fs.Lookup("write-high-water"))
	_ = v.BindPFlag("write-low-water", fs.Lookup("write-low-water"))

	// log settings
	fs.String("log-level", _defaultLogLevel, "log level, one of DEBUG, INFO, WARN, ERROR")
	fs.Bool("log-rotate", false, "rotate log files")
	_ = v.BindPFlag("log.level", fs.Lookup("log-level"))
	_ = v.BindPFlag("log.rotate", fs.Lookup("log-rotate"))

	return v, fs
}
