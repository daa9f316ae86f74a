package download

import (
	"os"
	"time"

	"github.com/cenkalti/rainctl/bias"
	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/tracker"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config of a Registry.
type Config struct {
	// Database is the path of the state database.
	Database string `yaml:"database"`
	// DataDir is the default save directory of new downloads.
	DataDir string `yaml:"data-dir"`
	// LogLevel is one of debug, info, notice, warning, error, critical.
	LogLevel string `yaml:"log-level"`
	// AutoStart starts every download that enters the Waiting state.
	AutoStart bool `yaml:"auto-start"`
	// DeletePartialOnRemoval deletes incomplete files when a download is removed without its data.
	DeletePartialOnRemoval bool `yaml:"delete-partial-on-removal"`
	// RetainForceStartWhenComplete keeps force start after the download has finished.
	RetainForceStartWhenComplete bool `yaml:"retain-force-start-when-complete"`
	// Encryption advertised to trackers: none, supported or required.
	Encryption string `yaml:"encryption"`
	// StorageStopTimeout is the longest time teardown waits for the storage to close its files.
	StorageStopTimeout time.Duration `yaml:"storage-stop-timeout"`
	// StorageStopWarnInterval is the period of warnings while waiting for the storage.
	StorageStopWarnInterval time.Duration `yaml:"storage-stop-warn-interval"`

	State statestore.Config `yaml:"state"`
	Bias  bias.Config       `yaml:"bias"`
}

// DefaultConfig for Registry.
var DefaultConfig = Config{
	Database:                "~/.rainctl/state.db",
	DataDir:                 "~/rainctl-data",
	LogLevel:                "info",
	Encryption:              "supported",
	StorageStopTimeout:      2 * time.Minute,
	StorageStopWarnInterval: 20 * time.Second,
	State:                   defaultStateConfig(),
	Bias:                    bias.DefaultConfig,
}

// defaultStateConfig leaves parameter defaults empty so that decoding
// a config file never writes into the map shared with statestore.
func defaultStateConfig() statestore.Config {
	c := statestore.DefaultConfig
	c.ParameterDefaults = nil
	return c
}

// LoadConfig reads a YAML config file over DefaultConfig.
// A missing file is not an error.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(filename string) error {
	filename, err := homedir.Expand(filename)
	if err != nil {
		return err
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0640)
}

func (c *Config) cryptoLevel() tracker.CryptoLevel {
	switch c.Encryption {
	case "none":
		return tracker.CryptoNone
	case "required":
		return tracker.CryptoRequired
	default:
		return tracker.CryptoSupported
	}
}
