// Package config loads the chat server settings from flags, CHATROOM_*
// environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CHATROOM"

const (
	addrKey            = "addr"
	metricsAddrKey     = "metrics_addr"
	baseDirKey         = "base_dir"
	outboundBufferKey  = "outbound_buffer"
	roomBufferKey      = "room_buffer"
	maxLineLengthKey   = "max_line_length"
	maxFileSizeKey     = "max_file_size"
	chunkSizeKey       = "chunk_size"
	offerTTLKey        = "offer_ttl"
	shutdownTimeoutKey = "shutdown_timeout"
	logLevelKey        = "log_level"
)

type Config struct {
	Addr            string        `mapstructure:"addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	BaseDir         string        `mapstructure:"base_dir"`
	OutboundBuffer  int           `mapstructure:"outbound_buffer"`
	RoomBuffer      int           `mapstructure:"room_buffer"`
	MaxLineLength   int           `mapstructure:"max_line_length"`
	MaxFileSize     int64         `mapstructure:"max_file_size"`
	ChunkSize       int           `mapstructure:"chunk_size"`
	OfferTTL        time.Duration `mapstructure:"offer_ttl"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
}

// Defaults registers the default value of every key on v.
func Defaults(v *viper.Viper) {
	v.SetDefault(addrKey, ":8080")
	v.SetDefault(metricsAddrKey, ":9090")
	v.SetDefault(baseDirKey, "./chat_app")
	v.SetDefault(outboundBufferKey, 32)
	v.SetDefault(roomBufferKey, 64)
	v.SetDefault(maxLineLengthKey, 4096)
	v.SetDefault(maxFileSizeKey, int64(16<<20))
	v.SetDefault(chunkSizeKey, 1024)
	v.SetDefault(offerTTLKey, time.Duration(0))
	v.SetDefault(shutdownTimeoutKey, 10*time.Second)
	v.SetDefault(logLevelKey, "info")
}

// BindFlags declares one flag per key on fs and binds it to v. Flag names
// use dashes where keys use underscores.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("addr", ":8080", "chat listen address")
	fs.String("metrics-addr", ":9090", "metrics listen address (empty disables)")
	fs.String("base-dir", "./chat_app", "storage base directory")
	fs.Int("outbound-buffer", 32, "per-session outbound line buffer")
	fs.Int("room-buffer", 64, "per-room command buffer")
	fs.Int("max-line-length", 4096, "longest accepted line in bytes")
	fs.Int64("max-file-size", 16<<20, "largest accepted upload in bytes")
	fs.Int("chunk-size", 1024, "file copy chunk size in bytes")
	fs.Duration("offer-ttl", 0, "pending file offer lifetime (0 never expires)")
	fs.Duration("shutdown-timeout", 10*time.Second, "grace period for sessions on stop")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")

	for _, key := range []string{
		addrKey, metricsAddrKey, baseDirKey, outboundBufferKey, roomBufferKey,
		maxLineLengthKey, maxFileSizeKey, chunkSizeKey, offerTTLKey,
		shutdownTimeoutKey, logLevelKey,
	} {
		if err := v.BindPFlag(key, fs.Lookup(strings.ReplaceAll(key, "_", "-"))); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
	}
	return nil
}

// Load reads cfgFile (if set) and the environment into v and decodes the
// result. Missing files are an error only when named explicitly.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.BaseDir == "" {
		errs = append(errs, errors.New("base_dir must not be empty"))
	}
	for _, f := range []struct {
		name  string
		value int64
	}{
		{outboundBufferKey, int64(c.OutboundBuffer)},
		{roomBufferKey, int64(c.RoomBuffer)},
		{maxLineLengthKey, int64(c.MaxLineLength)},
		{maxFileSizeKey, c.MaxFileSize},
		{chunkSizeKey, int64(c.ChunkSize)},
	} {
		if f.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", f.name, f.value))
		}
	}
	if c.MaxFileSize > 1<<32-1 {
		errs = append(errs, fmt.Errorf("%s exceeds the 4-byte length header", maxFileSizeKey))
	}
	if c.OfferTTL < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", offerTTLKey))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", shutdownTimeoutKey))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%s: %w", logLevelKey, err)
	}
	return level, nil
}
