package cas

import (
	"time"

	"github.com/elastic/go-ucfg"
	"github.com/elastic/go-ucfg/yaml"
)

// Config holds everything needed to open a session, per spec.md §6.
// The zero value is never used directly; build one with defaultConfig
// plus Options, or load one from YAML with LoadConfigFile/LoadConfig.
type Config struct {
	Host     string `config:"host"`
	Port     int    `config:"port"`
	User     string `config:"user"`
	Password string `config:"password"`
	Database string `config:"database"`

	CacheTimeout time.Duration `config:"cacheTimeout"`

	MaxConnectionRetryCount int  `config:"maxConnectionRetryCount"`
	Autocommit              bool `config:"autocommit"`

	// Althosts is stored verbatim and unused: alt-host load balancing
	// policy is explicitly out of scope (spec.md §1).
	Althosts []string `config:"althosts"`

	LoginTimeout             time.Duration `config:"loginTimeout"`
	QueryTimeout             time.Duration `config:"queryTimeout"`
	DisconnectOnQueryTimeout bool          `config:"disconnectOnQueryTimeout"`

	// connectionPort is the worker port learned from the rendezvous
	// response (spec.md §4.3); it is session-local handshake state, never
	// caller-supplied, so it carries no config tag.
	connectionPort int
}

func defaultConfig() Config {
	return Config{
		Host:                     "localhost",
		Port:                     33000,
		User:                     "public",
		Password:                 "",
		Database:                 "demodb",
		CacheTimeout:             0,
		MaxConnectionRetryCount:  1,
		Autocommit:               true,
		DisconnectOnQueryTimeout: false,
	}
}

// Option mutates a Config under construction, following the teacher's
// functional-options idiom for client configuration.
type Option func(*Config)

func WithHost(host string) Option { return func(c *Config) { c.Host = host } }
func WithPort(port int) Option { return func(c *Config) { c.Port = port } }
func WithUser(user string) Option { return func(c *Config) { c.User = user } }
func WithPassword(password string) Option {
	return func(c *Config) { c.Password = password }
}
func WithDatabase(db string) Option { return func(c *Config) { c.Database = db } }

// WithCache enables the response cache (spec.md §4.5) with the given TTL.
// A zero or negative ttl disables it, matching the "0 = disabled" default.
func WithCache(ttl time.Duration) Option {
	return func(c *Config) { c.CacheTimeout = ttl }
}

func WithMaxConnectionRetryCount(n int) Option {
	return func(c *Config) { c.MaxConnectionRetryCount = n }
}

func WithAutocommit(on bool) Option { return func(c *Config) { c.Autocommit = on } }

func WithAlthosts(hosts ...string) Option {
	return func(c *Config) { c.Althosts = hosts }
}

func WithLoginTimeout(d time.Duration) Option {
	return func(c *Config) { c.LoginTimeout = d }
}

func WithQueryTimeout(d time.Duration) Option {
	return func(c *Config) { c.QueryTimeout = d }
}

func WithDisconnectOnQueryTimeout(on bool) Option {
	return func(c *Config) { c.DisconnectOnQueryTimeout = on }
}

func newConfig(opts ...Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// LoadConfigFile reads a YAML session configuration from path, following
// packetd-packetd/confengine's ucfg-backed loader. Any field the YAML
// document omits keeps defaultConfig's value.
func LoadConfigFile(path string) (Config, error) {
	raw, err := yaml.NewConfigWithFile(path, ucfg.PathSep("."))
	if err != nil {
		return Config{}, wrapTransport("load_config", err)
	}
	return unpackConfig(raw)
}

// LoadConfig parses a YAML session configuration from an in-memory
// document, for callers that already have the bytes (e.g. embedded
// config, a secret manager payload).
func LoadConfig(doc []byte) (Config, error) {
	raw, err := yaml.NewConfig(doc)
	if err != nil {
		return Config{}, wrapTransport("load_config", err)
	}
	return unpackConfig(raw)
}

func unpackConfig(raw *ucfg.Config) (Config, error) {
	cfg := defaultConfig()
	if err := raw.Unpack(&cfg); err != nil {
		return Config{}, wrapProtocol("load_config", err)
	}
	return cfg, nil
}
