// Package config loads blueduff settings from YAML with BLUEDUFF_
// environment overrides and converts them into the library configs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.bug.st/serial"

	"github.com/cyberinferno/blueduff/ble"
	"github.com/cyberinferno/blueduff/logger"
	"github.com/cyberinferno/blueduff/rfcomm"
	"github.com/cyberinferno/blueduff/serialport"
	"github.com/cyberinferno/blueduff/tcpbridge"
)

// Config is the root configuration of the blueduff command.
type Config struct {
	// Transport selects the connector: serial, ble or tcp.
	Transport string `mapstructure:"transport"`

	// Devices to connect. Empty means the first device found.
	Devices []string `mapstructure:"devices"`

	Session SessionConfig `mapstructure:"session"`
	Serial  SerialConfig  `mapstructure:"serial"`
	BLE     BLEConfig     `mapstructure:"ble"`
	TCP     TCPConfig     `mapstructure:"tcp"`
	Log     LogConfig     `mapstructure:"log"`
	Cache   CacheConfig   `mapstructure:"cache"`
}

// SessionConfig mirrors rfcomm.Config.
type SessionConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BufferCapacity int           `mapstructure:"buffer_capacity"`
	Charset        string        `mapstructure:"charset"`
	// Security: secure or insecure
	Security string `mapstructure:"security"`
}

// SerialConfig holds line settings for the serial transport.
type SerialConfig struct {
	BaudRate int `mapstructure:"baud_rate"`
	DataBits int `mapstructure:"data_bits"`
	// Parity: none, odd, even, mark or space
	Parity string `mapstructure:"parity"`
	// StopBits: 1, 1.5 or 2
	StopBits  string `mapstructure:"stop_bits"`
	ReadChunk int    `mapstructure:"read_chunk"`
}

// BLEConfig holds settings for the ble transport.
type BLEConfig struct {
	// Profile: hm10 or nus
	Profile     string        `mapstructure:"profile"`
	NamePrefix  string        `mapstructure:"name_prefix"`
	ScanTimeout time.Duration `mapstructure:"scan_timeout"`
}

// TCPConfig holds settings for the tcp bridge transport.
type TCPConfig struct {
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: verbose, error or none
	Level string `mapstructure:"level"`
	// File enables rotated file output in addition to the console.
	File     string         `mapstructure:"file"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// CacheConfig selects where resolved BLE addresses are remembered.
type CacheConfig struct {
	// Backend: memory or redis
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Prefix        string        `mapstructure:"prefix"`
}

// Default returns a Config populated with the library defaults.
func Default() *Config {
	session := rfcomm.DefaultConfig()
	line := serialport.DefaultConfig()
	bridge := tcpbridge.DefaultConfig()

	return &Config{
		Transport: "serial",
		Session: SessionConfig{
			PollInterval:   session.PollInterval,
			BufferCapacity: session.BufferCapacity,
			Charset:        session.Charset,
			Security:       session.Security.String(),
		},
		Serial: SerialConfig{
			BaudRate:  line.BaudRate,
			DataBits:  line.DataBits,
			Parity:    "none",
			StopBits:  "1",
			ReadChunk: line.ReadChunk,
		},
		BLE: BLEConfig{
			Profile:     ble.HM10.Name,
			ScanTimeout: 10 * time.Second,
		},
		TCP: TCPConfig{
			ConnectionTimeout: bridge.ConnectionTimeout,
			WriteTimeout:      bridge.WriteTimeout,
			ReadBufferSize:    bridge.ReadBufferSize,
			KeepAlive:         bridge.KeepAlive,
		},
		Log: LogConfig{
			Level: logger.Verbose.String(),
			Rotation: RotationConfig{
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Cache: CacheConfig{
			Backend:   "memory",
			TTL:       time.Hour,
			RedisAddr: "localhost:6379",
			Prefix:    "blueduff:device:",
		},
	}
}

// Load reads configuration from path, or from blueduff.yaml in the working
// directory or ~/.blueduff when path is empty. A missing file is not an
// error. Environment variables use the prefix BLUEDUFF with "." replaced
// by "_", e.g. BLUEDUFF_SESSION_POLL_INTERVAL=20ms.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BLUEDUFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("BLUEDUFF_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("blueduff")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".blueduff"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults seeds every key so env-only configs work.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("transport", cfg.Transport)
	v.SetDefault("devices", cfg.Devices)
	v.SetDefault("session.poll_interval", cfg.Session.PollInterval)
	v.SetDefault("session.buffer_capacity", cfg.Session.BufferCapacity)
	v.SetDefault("session.charset", cfg.Session.Charset)
	v.SetDefault("session.security", cfg.Session.Security)
	v.SetDefault("serial.baud_rate", cfg.Serial.BaudRate)
	v.SetDefault("serial.data_bits", cfg.Serial.DataBits)
	v.SetDefault("serial.parity", cfg.Serial.Parity)
	v.SetDefault("serial.stop_bits", cfg.Serial.StopBits)
	v.SetDefault("serial.read_chunk", cfg.Serial.ReadChunk)
	v.SetDefault("ble.profile", cfg.BLE.Profile)
	v.SetDefault("ble.name_prefix", cfg.BLE.NamePrefix)
	v.SetDefault("ble.scan_timeout", cfg.BLE.ScanTimeout)
	v.SetDefault("tcp.connection_timeout", cfg.TCP.ConnectionTimeout)
	v.SetDefault("tcp.write_timeout", cfg.TCP.WriteTimeout)
	v.SetDefault("tcp.read_buffer_size", cfg.TCP.ReadBufferSize)
	v.SetDefault("tcp.keep_alive", cfg.TCP.KeepAlive)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("cache.backend", cfg.Cache.Backend)
	v.SetDefault("cache.ttl", cfg.Cache.TTL)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", cfg.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.prefix", cfg.Cache.Prefix)
}

// Validate normalizes enumerated values and checks that every section
// converts cleanly.
func (c *Config) Validate() error {
	c.Transport = normalize(c.Transport)
	switch c.Transport {
	case "serial", "ble", "tcp":
	default:
		return fmt.Errorf("invalid transport: %q", c.Transport)
	}

	if _, err := c.SessionConfig(); err != nil {
		return err
	}

	if _, err := c.SerialConfig(); err != nil {
		return err
	}

	if _, err := c.Profile(); err != nil {
		return err
	}

	if _, err := c.LogLevel(); err != nil {
		return err
	}

	c.Cache.Backend = normalize(c.Cache.Backend)
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid cache.backend: %q", c.Cache.Backend)
	}

	return nil
}

// SessionConfig converts the session section into an rfcomm.Config.
func (c *Config) SessionConfig() (rfcomm.Config, error) {
	cfg := rfcomm.Config{
		PollInterval:   c.Session.PollInterval,
		BufferCapacity: c.Session.BufferCapacity,
		Charset:        c.Session.Charset,
	}

	switch normalize(c.Session.Security) {
	case "", "secure":
		cfg.Security = rfcomm.Secure
	case "insecure":
		cfg.Security = rfcomm.Insecure
	default:
		return cfg, fmt.Errorf("invalid session.security: %q", c.Session.Security)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// SerialConfig converts the serial section into a serialport.Config.
func (c *Config) SerialConfig() (serialport.Config, error) {
	cfg := serialport.Config{
		BaudRate:  c.Serial.BaudRate,
		DataBits:  c.Serial.DataBits,
		ReadChunk: c.Serial.ReadChunk,
	}

	switch normalize(c.Serial.Parity) {
	case "", "none":
		cfg.Parity = serial.NoParity
	case "odd":
		cfg.Parity = serial.OddParity
	case "even":
		cfg.Parity = serial.EvenParity
	case "mark":
		cfg.Parity = serial.MarkParity
	case "space":
		cfg.Parity = serial.SpaceParity
	default:
		return cfg, fmt.Errorf("invalid serial.parity: %q", c.Serial.Parity)
	}

	switch normalize(c.Serial.StopBits) {
	case "", "1":
		cfg.StopBits = serial.OneStopBit
	case "1.5":
		cfg.StopBits = serial.OnePointFiveStopBits
	case "2":
		cfg.StopBits = serial.TwoStopBits
	default:
		return cfg, fmt.Errorf("invalid serial.stop_bits: %q", c.Serial.StopBits)
	}

	if cfg.BaudRate < 1 || cfg.ReadChunk < 1 {
		return cfg, fmt.Errorf("invalid serial settings: baud_rate=%d read_chunk=%d", cfg.BaudRate, cfg.ReadChunk)
	}

	return cfg, nil
}

// BridgeConfig converts the tcp section into a tcpbridge.Config.
func (c *Config) BridgeConfig() tcpbridge.Config {
	return tcpbridge.Config{
		ConnectionTimeout: c.TCP.ConnectionTimeout,
		WriteTimeout:      c.TCP.WriteTimeout,
		ReadBufferSize:    c.TCP.ReadBufferSize,
		KeepAlive:         c.TCP.KeepAlive,
	}
}

// Profile returns the configured BLE profile.
func (c *Config) Profile() (ble.Profile, error) {
	p, ok := ble.ProfileByName(normalize(c.BLE.Profile))
	if !ok {
		return p, fmt.Errorf("invalid ble.profile: %q", c.BLE.Profile)
	}

	return p, nil
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (logger.LogLevel, error) {
	level, err := logger.ParseLogLevel(c.Log.Level)
	if err != nil {
		return level, fmt.Errorf("invalid log.level: %w", err)
	}

	return level, nil
}

// LogRotation converts the rotation section for logger.NewFileLogger.
func (c *Config) LogRotation() logger.Rotation {
	return logger.Rotation{
		MaxSizeMB:  c.Log.Rotation.MaxSizeMB,
		MaxBackups: c.Log.Rotation.MaxBackups,
		MaxAgeDays: c.Log.Rotation.MaxAgeDays,
		Compress:   c.Log.Rotation.Compress,
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
