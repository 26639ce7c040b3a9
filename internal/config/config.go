package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/christopherjohns/relaydrop/internal/capacity"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// minSessionIdleTTL is the shortest non-zero session idle TTL.
const minSessionIdleTTL = time.Second

// Keys double as YAML keys and, upper-cased, as environment variables.
const (
	PortKey              = "port"
	MaxFileSizeKey       = "max_file_size"
	MaxFilesKey          = "max_files_per_session"
	SessionCodeDigitsKey = "session_code_digits"
	SessionIdleTTLKey    = "session_idle_ttl"
	MaxSessionsKey       = "max_sessions"
	MaxConnsKey          = "max_conns"
	IdleTimeoutKey       = "idle_timeout"
	SendBufferKey        = "send_buffer"
	ReadLimitKey         = "read_limit"
	HistoryLimitKey      = "history_limit"
	RedisAddrKey         = "redis_addr"
	PublicURLKey         = "public_url"
	CreateRateLimitKey   = "create_rate_limit"
	JoinRateLimitKey     = "join_rate_limit"
	RateWindowKey        = "rate_window"
	PasswordCostKey      = "password_cost"
	TrustProxyKey        = "trust_proxy"
)

// Config is the server's runtime configuration.
type Config struct {
	Port              int
	MaxFileSize       int64
	MaxFiles          int
	SessionCodeDigits int
	SessionIdleTTL    time.Duration
	MaxSessions       int
	MaxConns          int
	IdleTimeout       time.Duration
	SendBuffer        int
	ReadLimit         int64
	HistoryLimit      int
	RedisAddr         string
	PublicURL         string
	CreateRateLimit   int
	JoinRateLimit     int
	RateWindow        time.Duration
	PasswordCost      int
	TrustProxy        bool
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(PortKey, 8080)
	v.SetDefault(MaxFileSizeKey, capacity.DefaultMaxFileSize)
	v.SetDefault(MaxFilesKey, capacity.DefaultMaxFiles)
	v.SetDefault(SessionCodeDigitsKey, 6)
	v.SetDefault(SessionIdleTTLKey, 30*time.Minute)
	v.SetDefault(MaxSessionsKey, 0)
	v.SetDefault(MaxConnsKey, 0)
	v.SetDefault(IdleTimeoutKey, time.Duration(0))
	v.SetDefault(SendBufferKey, 64)
	v.SetDefault(ReadLimitKey, 4<<20)
	v.SetDefault(HistoryLimitKey, 50)
	v.SetDefault(RedisAddrKey, "")
	v.SetDefault(PublicURLKey, "http://localhost:8080")
	v.SetDefault(CreateRateLimitKey, 30)
	v.SetDefault(JoinRateLimitKey, 60)
	v.SetDefault(RateWindowKey, time.Minute)
	v.SetDefault(PasswordCostKey, bcrypt.DefaultCost)
	v.SetDefault(TrustProxyKey, false)
}

// New returns a viper instance with defaults registered and environment
// variables taking precedence over them.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()
	return v
}

// Load reads the YAML file at path, if any, and returns the merged and
// validated configuration. Environment variables override the file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:              v.GetInt(PortKey),
		MaxFileSize:       v.GetInt64(MaxFileSizeKey),
		MaxFiles:          v.GetInt(MaxFilesKey),
		SessionCodeDigits: v.GetInt(SessionCodeDigitsKey),
		SessionIdleTTL:    v.GetDuration(SessionIdleTTLKey),
		MaxSessions:       v.GetInt(MaxSessionsKey),
		MaxConns:          v.GetInt(MaxConnsKey),
		IdleTimeout:       v.GetDuration(IdleTimeoutKey),
		SendBuffer:        v.GetInt(SendBufferKey),
		ReadLimit:         v.GetInt64(ReadLimitKey),
		HistoryLimit:      v.GetInt(HistoryLimitKey),
		RedisAddr:         v.GetString(RedisAddrKey),
		PublicURL:         v.GetString(PublicURLKey),
		CreateRateLimit:   v.GetInt(CreateRateLimitKey),
		JoinRateLimit:     v.GetInt(JoinRateLimitKey),
		RateWindow:        v.GetDuration(RateWindowKey),
		PasswordCost:      v.GetInt(PasswordCostKey),
		TrustProxy:        v.GetBool(TrustProxyKey),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	case c.MaxFileSize <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, MaxFileSizeKey)
	case c.MaxFiles <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, MaxFilesKey)
	case c.SessionCodeDigits < 4 || c.SessionCodeDigits > 9:
		return fmt.Errorf("%w: %s must be between 4 and 9", ErrInvalid, SessionCodeDigitsKey)
	case c.SendBuffer <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalid, SendBufferKey)
	case c.HistoryLimit < 0:
		return fmt.Errorf("%w: %s must not be negative", ErrInvalid, HistoryLimitKey)
	case c.SessionIdleTTL < 0 || c.IdleTimeout < 0 || c.RateWindow < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	case c.SessionIdleTTL > 0 && c.SessionIdleTTL < minSessionIdleTTL:
		return fmt.Errorf("%w: %s must be 0 or at least %v", ErrInvalid, SessionIdleTTLKey, minSessionIdleTTL)
	}
	return nil
}

// Addr is the listen address for Port.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Limits returns the per-session file limits.
func (c *Config) Limits() capacity.Limits {
	return capacity.Limits{MaxFileSize: c.MaxFileSize, MaxFiles: c.MaxFiles}
}
