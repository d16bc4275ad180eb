// Package config loads daemon settings from flags, AMSD_* environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/amsd/internal/event"
	"github.com/dreamware/amsd/internal/heartbeat"
	"github.com/dreamware/amsd/internal/logging"
)

// EnvPrefix prefixes every environment variable the daemon reads.
const EnvPrefix = "AMSD"

const (
	// DefaultCSPort is used when the CS spec is "@".
	DefaultCSPort = 2357

	// DefaultSupervisorInterval is how often required engines are restarted.
	DefaultSupervisorInterval = 60 * time.Second

	// DefaultSendTimeout bounds a single transport send.
	DefaultSendTimeout = 2 * time.Second

	// NoneSpec disables the engine it is given for.
	NoneSpec = "."

	// HostSpec expands to <hostname>:DefaultCSPort.
	HostSpec = "@"
)

// Keys shared by flags, environment variables and config files.
const (
	KeyConfigFile         = "config"
	KeyCatalog            = "catalog"
	KeyCS                 = "cs"
	KeyApp                = "app"
	KeyAuthority          = "authority"
	KeyUnit               = "unit"
	KeyRS                 = "rs"
	KeyHeartbeatInterval  = "heartbeat-interval"
	KeySupervisorInterval = "supervisor-interval"
	KeyQueueDepth         = "queue-depth"
	KeySendTimeout        = "send-timeout"
	KeyLogLevel           = "log-level"
	KeyLogFile            = "log-file"
	KeyMetricsAddr        = "metrics-addr"
)

var (
	// ErrNoCatalog is returned by Validate when no catalog path is set.
	ErrNoCatalog = errors.New("config: catalog path is required")
	// ErrNothingToRun is returned by Validate when neither a CS nor a
	// registrar is configured.
	ErrNothingToRun = errors.New("config: neither a configuration server nor a registrar is configured")
)

// Config is the daemon's runtime configuration.
type Config struct {
	// Catalog is the path of the YAML topology catalog.
	Catalog string

	// CSSpec is the configuration server endpoint; empty after Validate
	// means no CS runs in this process.
	CSSpec string

	// AppName, AuthorityName and UnitName select the cell whose registrar
	// runs here. An empty AppName means no registrar.
	AppName       string
	AuthorityName string
	UnitName      string

	// RSSpec is the registrar endpoint; empty lets the transport choose.
	RSSpec string

	HeartbeatInterval  time.Duration
	SupervisorInterval time.Duration
	SendTimeout        time.Duration
	QueueDepth         int

	LogLevel string
	LogFile  string

	// MetricsAddr serves /metrics when set.
	MetricsAddr string
}

// hostname exists for tests.
var hostname = os.Hostname

// RegisterFlags declares the daemon flags on fs and binds them into v.
func RegisterFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String(KeyConfigFile, "", "optional config file (yaml, json or toml)")
	fs.String(KeyCatalog, "", "path of the topology catalog")
	fs.String(KeyCS, NoneSpec, `configuration server endpoint, "@" for <hostname>:2357 or "." for none`)
	fs.String(KeyApp, NoneSpec, `registrar application name, "." for no registrar`)
	fs.String(KeyAuthority, "", "registrar authority name")
	fs.String(KeyUnit, "", "registrar unit name")
	fs.String(KeyRS, "", "registrar endpoint; empty picks one")
	fs.Duration(KeyHeartbeatInterval, heartbeat.DefaultInterval, "heartbeat cycle length")
	fs.Duration(KeySupervisorInterval, DefaultSupervisorInterval, "interval between restarts of required engines")
	fs.Duration(KeySendTimeout, DefaultSendTimeout, "timeout for a single transport send")
	fs.Int(KeyQueueDepth, event.DefaultDepth, "event queue capacity per engine")
	fs.String(KeyLogLevel, "info", "log level")
	fs.String(KeyLogFile, "", "rotated log file; empty logs to stderr")
	fs.String(KeyMetricsAddr, "", "address serving /metrics; empty disables it")
	return v.BindPFlags(fs)
}

// NewViper returns a viper instance reading AMSD_* environment variables,
// where dashes in keys become underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file named by KeyConfigFile and returns a
// validated Config.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString(KeyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	c := &Config{
		Catalog:            v.GetString(KeyCatalog),
		CSSpec:             v.GetString(KeyCS),
		AppName:            v.GetString(KeyApp),
		AuthorityName:      v.GetString(KeyAuthority),
		UnitName:           v.GetString(KeyUnit),
		RSSpec:             v.GetString(KeyRS),
		HeartbeatInterval:  v.GetDuration(KeyHeartbeatInterval),
		SupervisorInterval: v.GetDuration(KeySupervisorInterval),
		SendTimeout:        v.GetDuration(KeySendTimeout),
		QueueDepth:         v.GetInt(KeyQueueDepth),
		LogLevel:           v.GetString(KeyLogLevel),
		LogFile:            v.GetString(KeyLogFile),
		MetricsAddr:        v.GetString(KeyMetricsAddr),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate finalizes and validates the configuration.
func (c *Config) Validate() error {
	if c.Catalog == "" {
		return ErrNoCatalog
	}

	switch c.CSSpec {
	case NoneSpec:
		c.CSSpec = ""
	case HostSpec:
		host, err := hostname()
		if err != nil {
			return fmt.Errorf("config: resolve hostname for CS endpoint: %w", err)
		}
		c.CSSpec = net.JoinHostPort(host, strconv.Itoa(DefaultCSPort))
	}

	if c.AppName == NoneSpec {
		c.AppName = ""
	}
	if c.AppName != "" && (c.AuthorityName == "" || c.UnitName == "") {
		return fmt.Errorf("config: registrar for %q needs both authority and unit names", c.AppName)
	}
	if c.RSSpec == NoneSpec {
		c.RSSpec = ""
	}
	if !c.RunsCS() && !c.RunsRS() {
		return ErrNothingToRun
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeat.DefaultInterval
	}
	if c.SupervisorInterval <= 0 {
		c.SupervisorInterval = DefaultSupervisorInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = event.DefaultDepth
	}
	return nil
}

// RunsCS reports whether a configuration server is required.
func (c *Config) RunsCS() bool { return c.CSSpec != "" }

// RunsRS reports whether a registrar is required.
func (c *Config) RunsRS() bool { return c.AppName != "" }

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.LogLevel,
		File:       c.LogFile,
		MaxSizeMB:  logging.DefaultMaxSizeMB,
		MaxBackups: logging.DefaultMaxBackups,
		MaxAgeDays: logging.DefaultMaxAgeDays,
	}
}
