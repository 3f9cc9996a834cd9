package background

import "time"

// Config holds the orchestrator's runtime tunables. The zero value of any
// field is replaced by its default at construction.
type Config struct {
	MaxConcurrent      int           // simultaneous in-flight searches
	MaxQueueSize       int           // pending searches before eviction
	SearchTimeout      time.Duration // per live-search attempt
	RetryDelay         time.Duration // base; actual delay = RetryDelay * attempt
	MaxRetries         int           // retries after the first attempt
	PriorityBoostAfter time.Duration // queued wait before a one-time boost
	CompletedTTL       time.Duration // how long terminal records are kept
	CompletedCap       int           // terminal records kept at most
	DrainInterval      time.Duration // queue drain / housekeeping cadence
	SampleInterval     time.Duration // metrics sampling cadence
	MemorySoftLimitMB  int           // metrics estimation only
	CPUSoftLimitPct    float64       // metrics estimation only
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      3,
		MaxQueueSize:       10,
		SearchTimeout:      30 * time.Second,
		RetryDelay:         time.Second,
		MaxRetries:         2,
		PriorityBoostAfter: 10 * time.Second,
		CompletedTTL:       time.Hour,
		CompletedCap:       500,
		DrainInterval:      time.Second,
		SampleInterval:     5 * time.Second,
		MemorySoftLimitMB:  512,
		CPUSoftLimitPct:    80,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = def.SearchTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.PriorityBoostAfter <= 0 {
		c.PriorityBoostAfter = def.PriorityBoostAfter
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = def.CompletedTTL
	}
	if c.CompletedCap <= 0 {
		c.CompletedCap = def.CompletedCap
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = def.DrainInterval
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = def.SampleInterval
	}
	if c.MemorySoftLimitMB <= 0 {
		c.MemorySoftLimitMB = def.MemorySoftLimitMB
	}
	if c.CPUSoftLimitPct <= 0 {
		c.CPUSoftLimitPct = def.CPUSoftLimitPct
	}
	return c
}

// ConfigUpdate applies a partial runtime reconfiguration; nil fields keep
// their current value. Changes are not persisted.
type ConfigUpdate struct {
	MaxConcurrent      *int           `json:"maxConcurrent,omitempty"`
	MaxQueueSize       *int           `json:"maxQueueSize,omitempty"`
	SearchTimeout      *time.Duration `json:"searchTimeout,omitempty"`
	RetryDelay         *time.Duration `json:"retryDelay,omitempty"`
	MaxRetries         *int           `json:"maxRetries,omitempty"`
	PriorityBoostAfter *time.Duration `json:"priorityBoostAfter,omitempty"`
}
