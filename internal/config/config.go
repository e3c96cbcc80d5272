package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type WorkerConfig struct {
	ClaimBatchSize   int           `mapstructure:"claim_batch_size"`
	ClaimInterval    time.Duration `mapstructure:"claim_interval"`
	ReminderInterval time.Duration `mapstructure:"reminder_interval"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	InFlightMaxAge   time.Duration `mapstructure:"in_flight_max_age"`
	// DispatchTimeout must cover a full batch of native fan-out
	// (claim_batch_size devices at push.send_timeout each, worst case).
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

type PushConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Environment string        `mapstructure:"environment"` // "production" or "sandbox"
	Topic       string        `mapstructure:"topic"`       // app bundle id
	TeamID      string        `mapstructure:"team_id"`
	KeyID       string        `mapstructure:"key_id"`
	KeyFile     string        `mapstructure:"key_file"` // PEM-encoded ES256 signing key
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	SendRate    float64       `mapstructure:"send_rate"` // pushes per second, 0 = unlimited
}

type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	From     string `mapstructure:"from"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type Config struct {
	DatabaseURL string       `mapstructure:"database_url"`
	ServerPort  string       `mapstructure:"server_port"`
	JWTSecret   string       `mapstructure:"jwt_secret"`
	Worker      WorkerConfig `mapstructure:"worker"`
	Push        PushConfig   `mapstructure:"push"`
	Email       EmailConfig  `mapstructure:"email"`
}

// Load reads configuration from an optional YAML file with environment
// variable overrides (NOTIFY_ prefix, e.g. NOTIFY_PUSH_KEY_FILE).
func Load() *Config {
	v := viper.New()

	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("NOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Error reading config file: %v", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		log.Fatalf("Error unmarshalling config: %v", err)
	}

	if config.JWTSecret == "" {
		log.Fatal("JWT secret must be set")
	}
	if config.DatabaseURL == "" {
		log.Fatal("Database URL must be set")
	}

	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")

	v.SetDefault("worker.claim_batch_size", 25)
	v.SetDefault("worker.claim_interval", time.Minute)
	v.SetDefault("worker.reminder_interval", 5*time.Minute)
	v.SetDefault("worker.sweep_interval", 10*time.Minute)
	v.SetDefault("worker.in_flight_max_age", 15*time.Minute)
	v.SetDefault("worker.dispatch_timeout", 10*time.Minute)

	v.SetDefault("push.environment", "sandbox")
	v.SetDefault("push.send_timeout", 10*time.Second)

	v.SetDefault("email.smtp_port", 587)
}
