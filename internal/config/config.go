// Package config loads the YAML configuration of the ouroboros-sync binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

type Config struct {
	// DataDir holds one directory per datastore.
	DataDir       string `yaml:"dataDir" validate:"required"`
	MinimumFreeGB uint   `yaml:"minimumFreeGB"`
	SyncWrites    bool   `yaml:"syncWrites"`
	LogLevel      string `yaml:"logLevel" validate:"oneof=debug info warn error"`

	Encryption  Encryption  `yaml:"encryption"`
	Server      Server      `yaml:"server"`
	Replication Replication `yaml:"replication"`
}

// Encryption selects the key source. At most one of KeyFile and
// PassphraseEnv may be set; none means no encryption.
type Encryption struct {
	// KeyFile contains 32 raw key bytes.
	KeyFile string `yaml:"keyFile" validate:"omitempty,excluded_with=PassphraseEnv"`
	// PassphraseEnv names an environment variable holding a passphrase.
	PassphraseEnv string `yaml:"passphraseEnv"`
}

type Server struct {
	Listen  string `yaml:"listen" validate:"required,hostname_port"`
	Metrics bool   `yaml:"metrics"`
}

type Replication struct {
	BatchSize         int               `yaml:"batchSize" validate:"min=1,max=10000"`
	MaxInFlight       int               `yaml:"maxInFlight" validate:"min=1,max=64"`
	MaxRetries        int               `yaml:"maxRetries" validate:"gte=0,lte=100"`
	RequestTimeout    time.Duration     `yaml:"requestTimeout" validate:"gt=0"`
	PollInterval      time.Duration     `yaml:"pollInterval" validate:"gt=0"`
	RequestsPerSecond float64           `yaml:"requestsPerSecond" validate:"gte=0"`
	Headers           map[string]string `yaml:"headers"`
}

func Default() Config {
	return Config{
		DataDir:  "./data",
		LogLevel: "info",
		Server: Server{
			Listen: "127.0.0.1:5984",
		},
		Replication: Replication{
			BatchSize:      100,
			MaxInFlight:    4,
			MaxRetries:     5,
			RequestTimeout: 30 * time.Second,
			PollInterval:   5 * time.Second,
		},
	}
}

var validate = validator.New()

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	conf := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return conf, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.UnmarshalStrict(data, &conf); err != nil {
				return conf, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	return conf, conf.Validate()
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
