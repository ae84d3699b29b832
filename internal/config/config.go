// Package config loads runtime settings once at startup from .env files, the
// environment, an optional config.yaml and command-line flags.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	API     APIConfig
	Jobs    JobsConfig
	Output  OutputConfig
	Webhook WebhookConfig
	Status  StatusConfig
	Log     LogConfig

	// IdleTimeout ends the interactive prompt after this long without input.
	// Zero disables it.
	IdleTimeout time.Duration
}

type APIConfig struct {
	Key     string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type JobsConfig struct {
	MaxImages    int
	Quality      string
	UseRevised   bool
	UnitInterval time.Duration
	Retention    time.Duration
}

type OutputConfig struct {
	Dir string
	S3  S3Config
}

type S3Config struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

type WebhookConfig struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
}

type StatusConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
}

// readSecret sets KEY from the file named by KEY_FILE unless KEY is already
// set.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

// SetDefaults registers every key with its default so that AutomaticEnv can
// resolve it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("openai_key", "")
	v.SetDefault("openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("model", "dall-e-3")
	v.SetDefault("http_timeout_sec", 120)
	v.SetDefault("max_images", 1)
	v.SetDefault("quality", "standard")
	v.SetDefault("use_revised", false)
	v.SetDefault("unit_interval_ms", 0)
	v.SetDefault("job_retention_min", 60)
	v.SetDefault("output_dir", "output")
	v.SetDefault("output_bucket", "")
	v.SetDefault("s3_prefix", "")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_region", "")
	v.SetDefault("s3_access_key_id", "")
	v.SetDefault("s3_secret_access_key", "")
	v.SetDefault("webhook_url", "")
	v.SetDefault("webhook_timeout_sec", 10)
	v.SetDefault("webhook_max_retries", 3)
	v.SetDefault("status_addr", "")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_format", "text")
	v.SetDefault("idle_timeout_sec", 300)
}

// Load reads .env and .env.local (both optional), then resolves every key
// through v. Flags bound to v before Load take precedence over the
// environment.
func Load(v *viper.Viper) (*Config, error) {
	_ = godotenv.Load(existing(".env", ".env.local")...)
	readSecret("OPENAI_KEY")
	readSecret("S3_SECRET_ACCESS_KEY")

	SetDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return &Config{
		API: APIConfig{
			Key:     v.GetString("openai_key"),
			BaseURL: v.GetString("openai_base_url"),
			Model:   v.GetString("model"),
			Timeout: seconds(v.GetInt("http_timeout_sec")),
		},
		Jobs: JobsConfig{
			MaxImages:    v.GetInt("max_images"),
			Quality:      v.GetString("quality"),
			UseRevised:   v.GetBool("use_revised"),
			UnitInterval: time.Duration(v.GetInt("unit_interval_ms")) * time.Millisecond,
			Retention:    time.Duration(v.GetInt("job_retention_min")) * time.Minute,
		},
		Output: OutputConfig{
			Dir: v.GetString("output_dir"),
			S3: S3Config{
				Bucket:          v.GetString("output_bucket"),
				Prefix:          v.GetString("s3_prefix"),
				Endpoint:        v.GetString("s3_endpoint"),
				Region:          v.GetString("s3_region"),
				AccessKeyID:     v.GetString("s3_access_key_id"),
				SecretAccessKey: v.GetString("s3_secret_access_key"),
			},
		},
		Webhook: WebhookConfig{
			URL:        v.GetString("webhook_url"),
			Timeout:    seconds(v.GetInt("webhook_timeout_sec")),
			MaxRetries: v.GetInt("webhook_max_retries"),
		},
		Status: StatusConfig{
			Addr: v.GetString("status_addr"),
		},
		Log: LogConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
		IdleTimeout: seconds(v.GetInt("idle_timeout_sec")),
	}, nil
}

func existing(files ...string) []string {
	var out []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
