package ratelimit

// LimitConfig defines one counter's limit and window
type LimitConfig struct {
	Limit         int64 // Requests allowed per window
	WindowSeconds int   // Time window in seconds
}

// Defaults. Writes are limited harder than reads because every factor
// mutation fans out into revision writes and recalculation work.
var (
	DefaultGlobalConfig = LimitConfig{
		Limit:         600,
		WindowSeconds: 60,
	}

	DefaultWriteConfig = LimitConfig{
		Limit:         60,
		WindowSeconds: 60,
	}

	DefaultRecalcConfig = LimitConfig{
		Limit:         10,
		WindowSeconds: 60,
	}
)
