// Package config loads server settings from flags, CHAT_* environment variables, an
// optional config file and defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CHAT"

type Config struct {
	ConfigFile string `mapstructure:"config"`
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Dev        bool   `mapstructure:"dev"`

	Addr    string `mapstructure:"addr" validate:"required"`
	OpsAddr string `mapstructure:"ops_addr"`

	Store        string        `mapstructure:"store" validate:"oneof=postgres badger"`
	DSN          string        `mapstructure:"dsn" validate:"required_if=Store postgres"`
	BadgerPath   string        `mapstructure:"badger_path"`
	StoreTimeout time.Duration `mapstructure:"store_timeout" validate:"gte=0"`

	JWTKey     string `mapstructure:"jwt_key" validate:"required_unless=Dev true"`
	MaxTextLen int    `mapstructure:"max_text_len" validate:"gte=0"`

	TLS     TLS     `mapstructure:"tls"`
	Gateway Gateway `mapstructure:"gateway"`
	Typing  Typing  `mapstructure:"typing"`
	NATS    NATS    `mapstructure:"nats"`
	Health  Health  `mapstructure:"health"`
}

type TLS struct {
	Cert string `mapstructure:"cert" validate:"required_with=Key"`
	Key  string `mapstructure:"key" validate:"required_with=Cert"`
}

type Gateway struct {
	PingInterval  time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
	PongTimeout   time.Duration `mapstructure:"pong_timeout" validate:"gtfield=PingInterval"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	MaxFrameBytes int64         `mapstructure:"max_frame_bytes" validate:"gt=0"`
	SendBuffer    int           `mapstructure:"send_buffer" validate:"gt=0"`
}

// Typing configures the per sender/receiver typing throttle; rate 0 disables it.
type Typing struct {
	Rate  float64 `mapstructure:"rate" validate:"gte=0"`
	Burst int     `mapstructure:"burst" validate:"gte=0"`
}

// NATS presence publishing is off when URL is empty.
type NATS struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type Health struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

// TLSEnabled reports whether both certificate and key are configured.
func (c *Config) TLSEnabled() bool { return c.TLS.Cert != "" && c.TLS.Key != "" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("level", "info")
	v.SetDefault("addr", ":8080")
	v.SetDefault("ops_addr", ":8081")
	v.SetDefault("store", "postgres")
	v.SetDefault("dsn", "")
	v.SetDefault("badger_path", "data/badger")
	v.SetDefault("store_timeout", 5*time.Second)
	v.SetDefault("max_text_len", 4096)

	v.SetDefault("gateway.ping_interval", 25*time.Second)
	v.SetDefault("gateway.pong_timeout", 60*time.Second)
	v.SetDefault("gateway.write_timeout", 10*time.Second)
	v.SetDefault("gateway.max_frame_bytes", 64<<10)
	v.SetDefault("gateway.send_buffer", 64)

	v.SetDefault("typing.rate", 2.0)
	v.SetDefault("typing.burst", 3)

	v.SetDefault("nats.prefix", "presence")
	v.SetDefault("health.interval", 10*time.Second)
}

// Load parses args (without the program name) and the environment.
func Load(args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("gk-chat-server", pflag.ContinueOnError)
	fs.String("config", "", "config file (yaml, json or toml)")
	fs.String("level", "info", "log level: debug, info, warn, error")
	fs.Bool("dev", false, "dev mode: no auth required, any origin, grpc reflection")
	fs.String("addr", ":8080", "HTTP listen address (/ws, /metrics)")
	fs.String("ops-addr", ":8081", "gRPC health listen address, empty to disable")
	fs.String("store", "postgres", "message store: postgres or badger")
	fs.String("dsn", "", "PostgreSQL DSN")
	fs.String("badger-path", "data/badger", "badger directory, empty for in-memory")
	fs.String("jwt-key", "", "HS256 key for handshake tokens")
	fs.String("nats-url", "", "NATS URL for presence events, empty to disable")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for key, flag := range map[string]string{
		"config":      "config",
		"level":       "level",
		"dev":         "dev",
		"addr":        "addr",
		"ops_addr":    "ops-addr",
		"store":       "store",
		"dsn":         "dsn",
		"badger_path": "badger-path",
		"jwt_key":     "jwt-key",
		"nats.url":    "nats-url",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, Config{})

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", describe(err))
	}
	return c, nil
}

// bindEnvs registers every mapstructure key so Unmarshal sees values that only
// exist in the environment.
func bindEnvs(v *viper.Viper, iface any, parts ...string) {
	ifv := reflect.ValueOf(iface)
	ift := reflect.TypeOf(iface)

	for i := 0; i < ift.NumField(); i++ {
		fv := ifv.Field(i)
		ft := ift.Field(i)

		tv, ok := ft.Tag.Lookup("mapstructure")
		if !ok {
			continue
		}

		switch fv.Kind() {
		case reflect.Struct:
			bindEnvs(v, fv.Interface(), append(parts, tv)...)
		default:
			_ = v.BindEnv(strings.Join(append(parts, tv), "."))
		}
	}
}

func describe(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, ", "))
}
