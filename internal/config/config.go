package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3xpluto/go-ipset/internal/ipset"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LogLevel  string          `yaml:"log_level"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Admin     AdminConfig     `yaml:"admin"`
	Sets      []SetConfig     `yaml:"sets"`
}

type ServerConfig struct {
	Addr                     string   `yaml:"addr"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
	ReloadSeconds            int      `yaml:"reload_seconds"` // 0 disables periodic reload
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CacheConfig struct {
	Backend    string `yaml:"backend"` // "redis" | "memory" | "none"
	KeyPrefix  string `yaml:"key_prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type RateLimitConfig struct {
	Enabled bool           `yaml:"enabled"`
	Backend string         `yaml:"backend"` // "redis" | "memory"
	RPS     float64        `yaml:"rps"`
	Burst   float64        `yaml:"burst"`
	Memory  MemoryRLConfig `yaml:"memory"`
}

type MemoryRLConfig struct {
	CleanupSeconds int `yaml:"cleanup_seconds"`
	TTLSeconds     int `yaml:"ttl_seconds"`
}

type AdminConfig struct {
	JWTSecret            string `yaml:"jwt_secret"`
	AllowSet             string `yaml:"allow_set"` // optional: admin callers must match this set
	MaxConcurrentReloads int    `yaml:"max_concurrent_reloads"`
}

// SetConfig names one set and where its entries come from. Sources are
// concatenated in the order entries, files, redis_keys.
type SetConfig struct {
	Name      string   `yaml:"name"`
	Entries   []string `yaml:"entries"`
	Files     []string `yaml:"files"`
	RedisKeys []string `yaml:"redis_keys"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// normalize once so everything downstream sees the validated spelling
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	cfg.RateLimit.Backend = strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))
	cfg.Admin.AllowSet = strings.TrimSpace(cfg.Admin.AllowSet)
	for i := range cfg.Sets {
		cfg.Sets[i].Name = strings.TrimSpace(cfg.Sets[i].Name)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 30
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "ipset:"
	}
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = 3600
	}

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}
	if cfg.RateLimit.Memory.CleanupSeconds == 0 {
		cfg.RateLimit.Memory.CleanupSeconds = 60
	}
	if cfg.RateLimit.Memory.TTLSeconds == 0 {
		cfg.RateLimit.Memory.TTLSeconds = 300
	}

	if cfg.Admin.JWTSecret == "" {
		cfg.Admin.JWTSecret = os.Getenv("IPSETD_ADMIN_SECRET")
	}
	if cfg.Admin.MaxConcurrentReloads == 0 {
		cfg.Admin.MaxConcurrentReloads = 1
	}
}

func Validate(cfg *Config) error {
	if len(cfg.Sets) == 0 {
		return errors.New("no sets configured")
	}

	needRedis := false
	seenNames := map[string]struct{}{}
	for i, s := range cfg.Sets {
		idx := fmt.Sprintf("sets[%d]", i)
		name := s.Name
		if name == "" {
			return fmt.Errorf("%s.name is required", idx)
		}
		if strings.ContainsAny(name, "/ ") {
			return fmt.Errorf("%s.name must not contain '/' or spaces", idx)
		}
		if _, ok := seenNames[name]; ok {
			return fmt.Errorf("duplicate set name: %q", name)
		}
		seenNames[name] = struct{}{}
		if len(s.RedisKeys) > 0 {
			needRedis = true
		}
		for j, f := range s.Files {
			if strings.TrimSpace(f) == "" {
				return fmt.Errorf("%s.files[%d] is empty", idx, j)
			}
		}
	}

	// Trusted proxies are ours, not a machine-generated list: reject bad lines.
	if _, errs := ipset.New(cfg.Server.TrustedProxies); len(errs) > 0 {
		return fmt.Errorf("server.trusted_proxies: %w", errs[0])
	}
	if cfg.Server.ReloadSeconds < 0 {
		return errors.New("server.reload_seconds cannot be negative")
	}

	switch cfg.Cache.Backend {
	case "redis":
		needRedis = true
	case "memory", "none":
	default:
		return fmt.Errorf("cache.backend must be 'redis', 'memory' or 'none'")
	}
	if cfg.Cache.TTLSeconds < 0 {
		return errors.New("cache.ttl_seconds cannot be negative")
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RPS <= 0 {
			return fmt.Errorf("rate_limit.rps must be > 0 when enabled")
		}
		if cfg.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate_limit.burst must be > 0 when enabled")
		}
		switch cfg.RateLimit.Backend {
		case "redis":
			needRedis = true
		case "memory":
		default:
			return fmt.Errorf("rate_limit.backend must be 'redis' or 'memory'")
		}
	}

	if needRedis && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required when redis is used by cache, rate_limit or redis_keys")
	}

	if cfg.Admin.AllowSet != "" {
		if _, ok := seenNames[cfg.Admin.AllowSet]; !ok {
			return fmt.Errorf("admin.allow_set %q is not a configured set", cfg.Admin.AllowSet)
		}
	}
	if cfg.Admin.MaxConcurrentReloads < 0 {
		return errors.New("admin.max_concurrent_reloads cannot be negative")
	}
	return nil
}

// UsesRedis reports whether any component needs a redis client.
func (c *Config) UsesRedis() bool {
	if c.Cache.Backend == "redis" {
		return true
	}
	if c.RateLimit.Enabled && c.RateLimit.Backend == "redis" {
		return true
	}
	for _, s := range c.Sets {
		if len(s.RedisKeys) > 0 {
			return true
		}
	}
	return false
}
