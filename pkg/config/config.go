// Package config loads platewatch settings from a YAML file, PLATEWATCH_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/edgeflare/platewatch/pkg/bridge"
	"github.com/edgeflare/platewatch/pkg/listener"
	"github.com/edgeflare/platewatch/pkg/mqtt"
	"github.com/edgeflare/platewatch/pkg/nats"
	"github.com/edgeflare/platewatch/pkg/store"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X .../pkg/config.Version=..."
var Version = "dev"

const EnvPrefix = "PLATEWATCH"

const (
	SourceMQTT = "mqtt"
	SourceNATS = "nats"
)

// Config holds application-wide configuration
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Store   store.Config  `mapstructure:"store"`
	Source  string        `mapstructure:"source"`
	MQTT    mqtt.Config   `mapstructure:"mqtt"`
	NATS    nats.Config   `mapstructure:"nats"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Scanner ScannerConfig `mapstructure:"scanner"`
	Bridge  bridge.Config `mapstructure:"bridge"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error or none
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	ListenAddr  string   `mapstructure:"listenAddr"`
	CORSOrigins []string `mapstructure:"corsOrigins"`
	TLSCertFile string   `mapstructure:"tlsCertFile"`
	TLSKeyFile  string   `mapstructure:"tlsKeyFile"`
}

type ScannerConfig struct {
	ListenAddr string   `mapstructure:"listenAddr"`
	Plates     []string `mapstructure:"plates"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Log:    LogConfig{Level: "info"},
		Store:  store.Config{Driver: store.DriverSQLite, DSN: "plates.db"},
		Source: SourceMQTT,
		MQTT: mqtt.Config{
			Broker:         mqtt.DefaultBroker,
			Topic:          listener.DefaultTopic,
			ConnectTimeout: 10 * time.Second,
			ConnectRetries: 5,
		},
		NATS: nats.Config{
			Subject: nats.DefaultSubject,
		},
		HTTP:    HTTPConfig{ListenAddr: ":1337", CORSOrigins: []string{"*"}},
		Scanner: ScannerConfig{ListenAddr: ":5000"},
		Bridge: bridge.Config{
			ScannerURL:    bridge.DefaultScannerURL,
			Interval:      5 * time.Second,
			FlushInterval: 30 * time.Second,
			SpoolPath:     bridge.DefaultSpoolPath,
			ScanRetries:   2,
		},
		Metrics: MetricsConfig{Addr: ":9100"},
	}
}

// Load reads config from file or environment. flags, when non-nil, are bound
// by their dotted names (e.g. "mqtt.broker") and win over everything else.
// An empty cfgFile searches for platewatch.yaml in $HOME/.config and ".".
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("platewatch")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("error binding flags: %w", err)
		}
		if f := flags.Lookup("log-level"); f != nil {
			_ = v.BindPFlag("log.level", f)
		}
	}

	readErr := v.ReadInConfig()
	if readErr != nil {
		if _, ok := readErr.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", readErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if readErr == nil {
		cfg.File = v.ConfigFileUsed()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that would otherwise fail late.
func (c Config) Validate() error {
	switch c.Source {
	case SourceMQTT, SourceNATS:
	default:
		return fmt.Errorf("invalid source %q, want %s or %s", c.Source, SourceMQTT, SourceNATS)
	}
	switch strings.ToLower(c.Store.Driver) {
	case "", store.DriverSQLite, store.DriverPostgres, "pg", "postgresql":
	default:
		return fmt.Errorf("invalid store driver %q", c.Store.Driver)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt.qos %d", c.MQTT.QoS)
	}
	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		return fmt.Errorf("http.tlsCertFile and http.tlsKeyFile must be set together")
	}
	if c.MQTT.ConnectRetries < 0 {
		return fmt.Errorf("invalid mqtt.connectRetries %d", c.MQTT.ConnectRetries)
	}
	return nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		trimSliceHook,
	)
}

// trimSliceHook drops blanks from comma-separated lists such as "a, b,".
func trimSliceHook(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
		return data, nil
	}
	in, ok := data.([]string)
	if !ok {
		return data, nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// setDefaults registers every key of d with viper, so that environment
// variables are picked up for keys absent from the config file.
func setDefaults(v *viper.Viper, d Config) {
	m := map[string]any{}
	if err := mapstructure.Decode(d, &m); err != nil {
		panic(err)
	}
	walk("", m, func(key string, val any) {
		if rv := reflect.ValueOf(val); !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
			return
		}
		v.SetDefault(key, val)
	})
}

func walk(prefix string, m map[string]any, fn func(string, any)) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			walk(key, nested, fn)
			continue
		}
		fn(key, val)
	}
}
