package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Database DatabaseConfig `mapstructure:"database"`
	Facts    FactsConfig    `mapstructure:"facts"`
	Bus      BusConfig      `mapstructure:"bus"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Join     JoinConfig     `mapstructure:"join"`
	Host     HostConfig     `mapstructure:"host"`
}

// ServiceConfig holds host-level settings
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	AdminPort   int    `mapstructure:"admin_port"`

	// RunDir holds the running-marker files whose deletion triggers
	// graceful shutdown.
	RunDir string `mapstructure:"run_dir"`
}

// DatabaseConfig holds the telemetry Postgres settings
type DatabaseConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Database    string        `mapstructure:"database"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	SSLMode     string        `mapstructure:"ssl_mode"`
	MaxConns    int           `mapstructure:"max_conns"`
	MinConns    int           `mapstructure:"min_conns"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// FactsConfig selects and configures the rule fact store
type FactsConfig struct {
	Backend       string `mapstructure:"backend"` // memory | redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// BusConfig holds UDP transport settings
type BusConfig struct {
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// DeployConfig holds the deployer's folder layout and retry policy
type DeployConfig struct {
	// CommonFolder is the shared root: process definitions live under
	// {CommonFolder}/ProcessDefinitionFolder, rule folders under
	// {CommonFolder}/RuleFolder.{version}.
	CommonFolder     string        `mapstructure:"common_folder"`
	RuleFolderPrefix string        `mapstructure:"rule_folder_prefix"`
	TemplateFile     string        `mapstructure:"template_file"`
	CommitTimeout    time.Duration `mapstructure:"commit_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
}

// JoinConfig holds join-coordination policy
type JoinConfig struct {
	// Scheduling is "optimized" (fire the first complete base found) or
	// "sequential" (only ever fire the smallest base).
	Scheduling string `mapstructure:"scheduling"`

	// Window is the default notAfter horizon stamped onto published
	// tokens that carry none.
	Window time.Duration `mapstructure:"window"`

	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// DefaultBuffer sizes orchestrator queues when the deployed rule
	// payload carries no buffer element.
	DefaultBuffer int `mapstructure:"default_buffer"`
}

// HostConfig names the places a service host serves
type HostConfig struct {
	// Places lists "Service/operation" pairs. Each is resolved against
	// the fact store at startup to find its event and rule ports.
	Places []string `mapstructure:"places"`

	StatsInterval time.Duration `mapstructure:"stats_interval"`

	// DrainTimeout bounds per-component shutdown.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// Load reads petrel.yaml (working directory, $HOME/.petrel, /etc/petrel)
// and PETREL_* environment overrides into a validated Config.
func Load(serviceName string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("petrel")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.petrel")
	v.AddConfigPath("/etc/petrel")

	v.SetEnvPrefix("PETREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, serviceName)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Service.Name == "" {
		cfg.Service.Name = serviceName
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("service.name", serviceName)
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.log_format", "text")
	v.SetDefault("service.admin_port", 8091)
	v.SetDefault("service.run_dir", ".")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "petrel")
	v.SetDefault("database.user", "petrel")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_idle_time", 5*time.Minute)
	v.SetDefault("database.max_lifetime", 30*time.Minute)

	v.SetDefault("facts.backend", "memory")
	v.SetDefault("facts.redis_addr", "localhost:6379")
	v.SetDefault("facts.redis_password", "")
	v.SetDefault("facts.redis_db", 0)

	v.SetDefault("bus.send_timeout", 2*time.Second)

	v.SetDefault("deploy.common_folder", "deploy")
	v.SetDefault("deploy.rule_folder_prefix", "RuleFolder.")
	v.SetDefault("deploy.template_file", "rulepayload.xml")
	v.SetDefault("deploy.commit_timeout", 5*time.Second)
	v.SetDefault("deploy.max_retries", 3)
	v.SetDefault("deploy.retry_backoff", 100*time.Millisecond)

	v.SetDefault("join.scheduling", "optimized")
	v.SetDefault("join.window", 30*time.Second)
	v.SetDefault("join.sweep_interval", 5*time.Second)
	v.SetDefault("join.default_buffer", 64)

	v.SetDefault("host.places", []string{})
	v.SetDefault("host.stats_interval", 30*time.Second)
	v.SetDefault("host.drain_timeout", 2*time.Second)
}

// Validate checks cross-field constraints before any component starts.
func (c *Config) Validate() error {
	switch c.Facts.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("facts.backend must be memory or redis, got %q", c.Facts.Backend)
	}
	switch c.Join.Scheduling {
	case "optimized", "sequential":
	default:
		return fmt.Errorf("join.scheduling must be optimized or sequential, got %q", c.Join.Scheduling)
	}
	if c.Deploy.MaxRetries < 1 {
		return fmt.Errorf("deploy.max_retries must be >= 1, got %d", c.Deploy.MaxRetries)
	}
	if c.Join.DefaultBuffer < 1 {
		return fmt.Errorf("join.default_buffer must be >= 1, got %d", c.Join.DefaultBuffer)
	}
	if c.Database.Enabled && c.Database.Host == "" {
		return fmt.Errorf("database.host required when database.enabled")
	}
	for _, p := range c.Host.Places {
		if !strings.Contains(p, "/") {
			return fmt.Errorf("host.places entry %q must be Service/operation", p)
		}
	}
	return nil
}

// DatabaseURL builds the Postgres DSN for the telemetry pool.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// ProcessDefinitionPath resolves the JSON document of one process.
func (c *Config) ProcessDefinitionPath(processName string) string {
	return fmt.Sprintf("%s/ProcessDefinitionFolder/%s.json", c.Deploy.CommonFolder, processName)
}

// RuleFolderPath resolves the rule folder of one version.
func (c *Config) RuleFolderPath(version string) string {
	return fmt.Sprintf("%s/%s%s", c.Deploy.CommonFolder, c.Deploy.RuleFolderPrefix, version)
}

// TemplatePath resolves the rule-payload template file.
func (c *Config) TemplatePath() string {
	return fmt.Sprintf("%s/%s", c.Deploy.CommonFolder, c.Deploy.TemplateFile)
}
