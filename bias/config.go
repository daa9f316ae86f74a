package bias

import "time"

// Config of a Controller. Rates are in bytes per second.
type Config struct {
	// Enabled turns the controller on. A disabled controller keeps the ceiling unlimited.
	Enabled bool `yaml:"enabled"`
	// Tick is the sampling period.
	Tick time.Duration `yaml:"tick"`
	// SlackFloor is the lowest ceiling the controller sets.
	SlackFloor int64 `yaml:"slack-floor"`
	// MaxCeiling is the highest ceiling the controller sets.
	MaxCeiling int64 `yaml:"max-ceiling"`
	// DefaultCeiling is the target of increases until a choke signal gives a better one.
	DefaultCeiling int64 `yaml:"default-ceiling"`
	// ChokeWindow is how long choke signals are averaged.
	ChokeWindow time.Duration `yaml:"choke-window"`
	// CooldownTicks is the number of ticks without adjustment after a choke signal.
	CooldownTicks int `yaml:"cooldown-ticks"`
	// SampleTicks is the number of samples compared at once.
	SampleTicks int `yaml:"sample-ticks"`
	// MinUnchokedPeers is the peer count an incomplete download needs to be considered.
	MinUnchokedPeers int `yaml:"min-unchoked-peers"`
	// MinDownloadRate is the receive rate an incomplete download needs to be considered.
	MinDownloadRate int64 `yaml:"min-download-rate"`

	IncreaseMin int64 `yaml:"increase-min"`
	IncreaseMax int64 `yaml:"increase-max"`
	DecreaseMin int64 `yaml:"decrease-min"`
	DecreaseMax int64 `yaml:"decrease-max"`
}

// DefaultConfig for Controller.
var DefaultConfig = Config{
	Enabled:          true,
	Tick:             time.Second,
	SlackFloor:       5 * 1024,
	MaxCeiling:       100 * 1024 * 1024,
	DefaultCeiling:   250 * 1024,
	ChokeWindow:      30 * time.Second,
	CooldownTicks:    10,
	SampleTicks:      5,
	MinUnchokedPeers: 3,
	MinDownloadRate:  1024,
	IncreaseMin:      2 * 1024,
	IncreaseMax:      15 * 1024,
	DecreaseMin:      2 * 1024,
	DecreaseMax:      10 * 1024,
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.MaxCeiling <= 0 {
		c.MaxCeiling = d.MaxCeiling
	}
	if c.DefaultCeiling <= 0 {
		c.DefaultCeiling = d.DefaultCeiling
	}
	if c.ChokeWindow <= 0 {
		c.ChokeWindow = d.ChokeWindow
	}
	if c.SampleTicks <= 0 {
		c.SampleTicks = d.SampleTicks
	}
	if c.IncreaseMin <= 0 {
		c.IncreaseMin = d.IncreaseMin
	}
	if c.IncreaseMax < c.IncreaseMin {
		c.IncreaseMax = d.IncreaseMax
	}
	if c.DecreaseMin <= 0 {
		c.DecreaseMin = d.DecreaseMin
	}
	if c.DecreaseMax < c.DecreaseMin {
		c.DecreaseMax = d.DecreaseMax
	}
	return c
}
