// Package config loads the trxd YAML configuration.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RelPath is where the config file is looked up below the XDG config
// directories.
const RelPath = "trxd/trxd.yaml"

type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Trx     TrxConfig     `yaml:"trx"`
	GPS     GPSConfig     `yaml:"gps"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	UDP     UDPConfig     `yaml:"udp"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type ListenConfig struct {
	Address          string        `yaml:"address"`
	Port             string        `yaml:"port"`
	Path             string        `yaml:"path"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	LogConnections   bool          `yaml:"log_connections"`
}

type TrxConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	AllowDynamic   bool          `yaml:"allow_dynamic"`
	Devices        []TrxDevice   `yaml:"devices"`
}

type TrxDevice struct {
	Name   string `yaml:"name"`
	Device string `yaml:"device"`
	Driver string `yaml:"driver"`
	Speed  int    `yaml:"speed"`
}

type GPSConfig struct {
	Enable bool `yaml:"enable"`
	// Source is "serial", "gpsd" or "replay".
	Source      string  `yaml:"source"`
	Device      string  `yaml:"device"`
	Baud        int     `yaml:"baud"`
	GPSDAddr    string  `yaml:"gpsd_addr"`
	ReplayPath  string  `yaml:"replay_path"`
	ReplaySpeed float64 `yaml:"replay_speed"`
	ReplayLoop  bool    `yaml:"replay_loop"`
	RecordPath  string  `yaml:"record_path"`
}

type MQTTConfig struct {
	Enable      bool   `yaml:"enable"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// UDPConfig sends transceiver events as JSON datagrams to Dest.
type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type MetricsConfig struct {
	// Listen is the HTTP address of the status and metrics server; empty
	// disables it.
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns the first trxd.yaml found in the XDG config
// directories.
func DefaultPath() (string, error) {
	p, err := xdg.SearchConfigFile(RelPath)
	if err != nil {
		return "", errors.Wrap(err, "no config file")
	}
	return p, nil
}

// Default is the configuration used when no file exists.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return Parse(b)
}

// Parse decodes, defaults and validates a config document. Unknown keys are
// rejected.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return Config{}, errors.Errorf("config contains unknown fields: %s", typeErrors(te))
		}
		return Config{}, errors.Wrap(err, "parse config")
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// typeErrors drops yaml's "line N: " prefixes.
func typeErrors(te *yaml.TypeError) string {
	out := make([]string, 0, len(te.Errors))
	for _, e := range te.Errors {
		if strings.HasPrefix(e, "line ") {
			if i := strings.Index(e, ": "); i >= 0 {
				e = e[i+2:]
			}
		}
		out = append(out, e)
	}
	return strings.Join(out, "; ")
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = "localhost"
	}
	if cfg.Listen.Port == "" {
		cfg.Listen.Port = "14290"
	}
	if cfg.Listen.Path == "" {
		cfg.Listen.Path = "/trxd"
	}
	if cfg.Listen.HandshakeTimeout <= 0 {
		cfg.Listen.HandshakeTimeout = 5 * time.Second
	}

	if cfg.Trx.CommandTimeout <= 0 {
		cfg.Trx.CommandTimeout = 2 * time.Second
	}
	if cfg.Trx.IdleTimeout <= 0 {
		cfg.Trx.IdleTimeout = 30 * time.Second
	}
	if cfg.Trx.PollInterval <= 0 {
		cfg.Trx.PollInterval = time.Second
	}

	cfg.GPS.Source = strings.ToLower(strings.TrimSpace(cfg.GPS.Source))
	if cfg.GPS.Source == "" {
		cfg.GPS.Source = "serial"
	}
	if cfg.GPS.Baud == 0 {
		cfg.GPS.Baud = 9600
	}
	if cfg.GPS.GPSDAddr == "" {
		cfg.GPS.GPSDAddr = "127.0.0.1:2947"
	}
	if cfg.GPS.ReplaySpeed == 0 {
		cfg.GPS.ReplaySpeed = 1
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "trxd"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "trxd"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate checks a defaulted config. Overrides applied after Load should be
// validated again.
func (c Config) Validate() error {
	port, err := strconv.Atoi(c.Listen.Port)
	if err != nil || port < 0 || port > 65535 {
		return errors.New("listen.port must be a number in [0,65535]")
	}
	if !strings.HasPrefix(c.Listen.Path, "/") {
		return errors.New("listen.path must start with '/'")
	}

	seen := make(map[string]bool)
	for i, d := range c.Trx.Devices {
		switch {
		case d.Name == "":
			return errors.Errorf("trx.devices[%d].name is required", i)
		case seen[d.Name]:
			return errors.Errorf("trx.devices[%d].name %q is used twice", i, d.Name)
		case d.Device == "":
			return errors.Errorf("trx.devices[%d].device is required", i)
		case d.Driver == "":
			return errors.Errorf("trx.devices[%d].driver is required", i)
		case strings.Contains(d.Driver, "/"):
			return errors.Errorf("trx.devices[%d].driver must not contain '/'", i)
		case d.Speed < 0:
			return errors.Errorf("trx.devices[%d].speed must be >= 0", i)
		}
		seen[d.Name] = true
	}

	switch c.GPS.Source {
	case "serial", "gpsd":
	case "replay":
		if strings.TrimSpace(c.GPS.ReplayPath) == "" {
			return errors.New("gps.replay_path is required when gps.source is 'replay'")
		}
	default:
		return errors.New("gps.source must be 'serial', 'gpsd' or 'replay'")
	}
	if c.GPS.Baud < 0 {
		return errors.New("gps.baud must be > 0")
	}
	if c.GPS.ReplaySpeed < 0 {
		return errors.New("gps.replay_speed must be > 0")
	}

	if c.UDP.Enable && strings.TrimSpace(c.UDP.Dest) == "" {
		return errors.New("udp.dest is required when udp.enable is true")
	}

	if c.MQTT.Enable && strings.TrimSpace(c.MQTT.Broker) == "" {
		return errors.New("mqtt.broker is required when mqtt.enable is true")
	}

	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf("log.level %q is not one of trace, debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.New("log.format must be 'text' or 'json'")
	}
	return nil
}
