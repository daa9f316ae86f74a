package statestore

import "time"

// Config of a Store.
type Config struct {
	// FlushInterval is the period of the background flusher.
	FlushInterval time.Duration `yaml:"flush-interval"`
	// InterimSaveDelay is how long a low priority change may stay unsaved.
	InterimSaveDelay time.Duration `yaml:"interim-save-delay"`
	// DisableInterimSaves skips saving low priority changes until shutdown.
	DisableInterimSaves bool `yaml:"disable-interim-saves"`
	// HistorySize is the number of previous resume checkpoints kept per record.
	HistorySize int `yaml:"history-size"`
	// CacheSize is the number of unused records kept decoded in memory.
	CacheSize int `yaml:"cache-size"`
	// OpenTimeout is the time to wait for the database file lock.
	OpenTimeout time.Duration `yaml:"open-timeout"`
	// CloseRetryTimeout bounds the retries of the final flush.
	CloseRetryTimeout time.Duration `yaml:"close-retry-timeout"`
	// ParameterDefaults are used for parameters that are not set on a record.
	ParameterDefaults map[string]int64 `yaml:"parameter-defaults"`
}

// DefaultConfig for Store.
var DefaultConfig = Config{
	FlushInterval:     30 * time.Second,
	InterimSaveDelay:  5 * time.Minute,
	HistorySize:       3,
	CacheSize:         64,
	OpenTimeout:       time.Second,
	CloseRetryTimeout: 10 * time.Second,
	ParameterDefaults: map[string]int64{
		ParamMaxPeers:               100,
		ParamMaxSeeds:               0,
		ParamMaxUploads:             4,
		ParamMaxUploadsSeeding:      4,
		ParamMaxUploadsSeedingOn:    0,
		ParamUploadLimit:            0,
		ParamDownloadLimit:          0,
		ParamDNDFlags:               0,
		ParamMaxConnectionsPerAddr:  1,
		ParamRetainForceStartOnDone: 0,
	},
}

func (c Config) parameterDefaults() map[string]int64 {
	m := make(map[string]int64, len(DefaultConfig.ParameterDefaults)+len(c.ParameterDefaults))
	for k, v := range DefaultConfig.ParameterDefaults {
		m[k] = v
	}
	for k, v := range c.ParameterDefaults {
		m[k] = v
	}
	return m
}
