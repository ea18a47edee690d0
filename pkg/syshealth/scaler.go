package syshealth

import (
	"math"
	"sync"
	"time"
)

// ConcurrencyScaler adjusts worker concurrency based on system health.
// Scale-downs apply after a short cooldown (immediately when critical);
// scale-ups wait longer and grow by at most 50% per step so a recovering
// host is not immediately saturated again.
type ConcurrencyScaler struct {
	monitor        Monitor
	minConcurrency int
	maxConcurrency int
	enabled        bool
	workerType     string

	mu                 sync.Mutex
	currentConcurrency int
	lastAdjustment     time.Time
}

// NewConcurrencyScaler creates a new ConcurrencyScaler
func NewConcurrencyScaler(monitor Monitor, workerType string, enabled bool, min, max int) *ConcurrencyScaler {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}

	return &ConcurrencyScaler{
		monitor:            monitor,
		workerType:         workerType,
		enabled:            enabled,
		minConcurrency:     min,
		maxConcurrency:     max,
		currentConcurrency: max, // start at max, will scale down if needed
		lastAdjustment:     time.Now(),
	}
}

// UpdateConfig replaces the scaler bounds at runtime and clamps the current
// value into the new range.
func (s *ConcurrencyScaler) UpdateConfig(enabled bool, min, max int) {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	s.minConcurrency = min
	s.maxConcurrency = max
	if s.currentConcurrency < min {
		s.currentConcurrency = min
	}
	if s.currentConcurrency > max {
		s.currentConcurrency = max
	}
}

// GetConcurrency returns the currently allowed concurrency based on health
func (s *ConcurrencyScaler) GetConcurrency(staticValue int) int {
	if !s.enabled {
		return staticValue
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	health := s.monitor.GetHealth()
	now := time.Now()
	timeSinceLastAdj := now.Sub(s.lastAdjustment)

	// Treat stale or missing health data as a warning, not a green light
	zone := HealthZoneWarning
	if health != nil && !health.Stale {
		zone = health.Zone
	}

	targetConcurrency := s.currentConcurrency

	switch zone {
	case HealthZoneCritical:
		targetConcurrency = s.minConcurrency
	case HealthZoneWarning:
		targetConcurrency = int(math.Max(float64(s.minConcurrency), float64(s.maxConcurrency)*0.5))
	case HealthZoneSafe:
		targetConcurrency = s.maxConcurrency
	}

	if targetConcurrency < s.currentConcurrency {
		// critical skips the cooldown entirely
		if zone == HealthZoneCritical {
			s.adjust(targetConcurrency, now, "down", string(zone))
			JobsThrottled.WithLabelValues(s.workerType).Inc()
		} else if timeSinceLastAdj >= 1*time.Minute {
			s.adjust(targetConcurrency, now, "down", string(zone))
		}
	} else if targetConcurrency > s.currentConcurrency {
		if timeSinceLastAdj >= 5*time.Minute {
			maxIncrease := int(math.Max(1.0, float64(s.currentConcurrency)*0.5))
			target := int(math.Min(float64(targetConcurrency), float64(s.currentConcurrency+maxIncrease)))
			s.adjust(target, now, "up", string(zone))
		}
	}

	if s.currentConcurrency < s.minConcurrency {
		s.currentConcurrency = s.minConcurrency
	}
	if s.currentConcurrency > s.maxConcurrency {
		s.currentConcurrency = s.maxConcurrency
	}

	return s.currentConcurrency
}

// adjust records a concurrency change; callers hold s.mu.
func (s *ConcurrencyScaler) adjust(target int, now time.Time, direction, reason string) {
	s.currentConcurrency = target
	s.lastAdjustment = now
	WorkerConcurrency.WithLabelValues(s.workerType).Set(float64(target))
	WorkerAdjustments.WithLabelValues(s.workerType, direction, reason).Inc()
}
