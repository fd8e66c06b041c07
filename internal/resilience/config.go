package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig. maxRetries is
// the number of retries after the first attempt, matching how operators
// think about the setting.
func FromRetryConfig(maxRetries, baseDelaySecs, maxDelaySecs int, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries >= 0 {
		cfg.MaxAttempts = maxRetries + 1
	}
	if baseDelaySecs > 0 {
		cfg.InitialBackoff = time.Duration(baseDelaySecs) * time.Second
	}
	if maxDelaySecs > 0 {
		cfg.MaxBackoff = time.Duration(maxDelaySecs) * time.Second
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// FromBreakerConfig converts config values to a CircuitBreakerConfig.
func FromBreakerConfig(failureThreshold, windowSecs, cooldownSecs, maxCooldownSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if windowSecs > 0 {
		cfg.Window = time.Duration(windowSecs) * time.Second
	}
	if cooldownSecs > 0 {
		cfg.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	if maxCooldownSecs > 0 {
		cfg.MaxCooldown = time.Duration(maxCooldownSecs) * time.Second
	}
	return cfg
}
