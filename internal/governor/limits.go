package governor

import (
	"errors"
	"fmt"
	"time"
)

// Limits are the deliverability caps applied to every scope.
type Limits struct {
	MaxPerHour  int           `yaml:"max_per_hour" json:"max_per_hour"`
	MaxPerDay   int           `yaml:"max_per_day" json:"max_per_day"`
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"`

	// Quiet hours run from QuietStart up to and including QuietEnd, wrapping midnight.
	QuietStart int `yaml:"quiet_start" json:"quiet_start"`
	QuietEnd   int `yaml:"quiet_end" json:"quiet_end"`

	// Peak hours run from PeakStart up to but excluding PeakEnd.
	PeakStart          int     `yaml:"peak_start" json:"peak_start"`
	PeakEnd            int     `yaml:"peak_end" json:"peak_end"`
	OffPeakProbability float64 `yaml:"off_peak_probability" json:"off_peak_probability"`

	BatchMin int `yaml:"batch_min" json:"batch_min"`
	BatchMax int `yaml:"batch_max" json:"batch_max"`

	BounceCooldown time.Duration `yaml:"bounce_cooldown" json:"bounce_cooldown"`
}

// DefaultLimits returns conservative caps for a fresh sending account.
func DefaultLimits() Limits {
	return Limits{
		MaxPerHour:         30,
		MaxPerDay:          200,
		MinInterval:        2 * time.Minute,
		QuietStart:         22,
		QuietEnd:           6,
		PeakStart:          9,
		PeakEnd:            17,
		OffPeakProbability: 0.3,
		BatchMin:           3,
		BatchMax:           8,
		BounceCooldown:     7 * 24 * time.Hour,
	}
}

// Validate reports the first inconsistent limit.
func (l Limits) Validate() error {
	switch {
	case l.MaxPerHour <= 0:
		return errors.New("max_per_hour must be positive")
	case l.MaxPerDay <= 0:
		return errors.New("max_per_day must be positive")
	case l.MinInterval < 0:
		return errors.New("min_interval must not be negative")
	case l.BatchMin <= 0 || l.BatchMax < l.BatchMin:
		return fmt.Errorf("batch bounds [%d, %d] are invalid", l.BatchMin, l.BatchMax)
	case l.OffPeakProbability < 0 || l.OffPeakProbability > 1:
		return errors.New("off_peak_probability must be within [0, 1]")
	case l.BounceCooldown < 0:
		return errors.New("bounce_cooldown must not be negative")
	}
	for _, h := range []int{l.QuietStart, l.QuietEnd, l.PeakStart, l.PeakEnd} {
		if h < 0 || h > 23 {
			return fmt.Errorf("hour %d is outside 0-23", h)
		}
	}
	return nil
}

// quiet reports whether hour falls inside the quiet window.
func (l Limits) quiet(hour int) bool {
	if l.QuietStart <= l.QuietEnd {
		return hour >= l.QuietStart && hour <= l.QuietEnd
	}
	return hour >= l.QuietStart || hour <= l.QuietEnd
}

func (l Limits) peak(hour int) bool {
	return hour >= l.PeakStart && hour < l.PeakEnd
}
