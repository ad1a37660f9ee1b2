// Package config resolves settings from flags, FACECOLLECT_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. FACECOLLECT_WORKERS
// or FACECOLLECT_DETECTOR_MODEL_PATH.
const EnvPrefix = "FACECOLLECT"

type TranscodeConfig struct {
	Binary  string        `mapstructure:"binary"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DetectorConfig struct {
	EngineCommand  string        `mapstructure:"engine_command"` // whitespace separated; empty disables the learned detector
	ModelPath      string        `mapstructure:"model_path"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	CascadePath    string        `mapstructure:"cascade_path"`
	MinFaceSize    int           `mapstructure:"min_face_size"`
}

// Command splits EngineCommand into argv.
func (d DetectorConfig) Command() []string {
	return strings.Fields(d.EngineCommand)
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the resolved application configuration.
type Config struct {
	DataDir             string          `mapstructure:"data_dir"`
	Workers             int             `mapstructure:"workers"`
	QueueSize           int             `mapstructure:"queue_size"`
	JobTimeout          time.Duration   `mapstructure:"job_timeout"`
	ConfidenceThreshold float64         `mapstructure:"confidence_threshold"`
	PaddingRatio        float64         `mapstructure:"padding_ratio"`
	Transcode           TranscodeConfig `mapstructure:"transcode"`
	Detector            DetectorConfig  `mapstructure:"detector"`
	HTTP                HTTPConfig      `mapstructure:"http"`
	DB                  string          `mapstructure:"db"`
	Log                 LogConfig       `mapstructure:"log"`
}

// New returns a viper instance with every default registered and the
// environment bound. Flags can be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "dataset")
	v.SetDefault("workers", 3)
	v.SetDefault("queue_size", 15)
	v.SetDefault("job_timeout", time.Duration(0))
	v.SetDefault("confidence_threshold", 0.5)
	v.SetDefault("padding_ratio", 0.2)

	v.SetDefault("transcode.binary", "ffmpeg")
	v.SetDefault("transcode.timeout", time.Duration(0))

	v.SetDefault("detector.engine_command", "")
	v.SetDefault("detector.model_path", "")
	v.SetDefault("detector.startup_timeout", 2*time.Minute)
	v.SetDefault("detector.cascade_path", "models/facefinder")
	v.SetDefault("detector.min_face_size", 20)

	v.SetDefault("http.addr", ":5000")
	v.SetDefault("db", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configFile (when set), resolves every key and validates the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode configuration")
	}

	if cfg.DB == "" {
		cfg.DB = postgresFromEnv()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// postgresFromEnv builds a connection string from the POSTGRES_* variables
// used by the container setup. Empty when POSTGRES_HOST is unset.
func postgresFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.New("data_dir must be set")
	case c.Workers < 1:
		return errors.Errorf("workers must be at least 1, got %d", c.Workers)
	case c.QueueSize < 1:
		return errors.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	case c.JobTimeout < 0:
		return errors.Errorf("job_timeout cannot be negative, got %s", c.JobTimeout)
	case c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1:
		return errors.Errorf("confidence_threshold must be between 0.0 and 1.0, got %g", c.ConfidenceThreshold)
	case c.PaddingRatio < 0:
		return errors.Errorf("padding_ratio cannot be negative, got %g", c.PaddingRatio)
	case c.Transcode.Timeout < 0:
		return errors.Errorf("transcode.timeout cannot be negative, got %s", c.Transcode.Timeout)
	case c.Detector.MinFaceSize < 0:
		return errors.Errorf("detector.min_face_size cannot be negative, got %d", c.Detector.MinFaceSize)
	case c.Log.Format != "console" && c.Log.Format != "json":
		return errors.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}
