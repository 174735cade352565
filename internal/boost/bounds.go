package boost

import (
	"go.uber.org/zap"

	"thermoboost/internal/ha"
)

// Fallback boost temperature ranges when a thermostat reports no
// usable min/max attributes.
const (
	metricMin   = 5.0
	metricMax   = 25.0
	imperialMin = 40.0
	imperialMax = 80.0
)

// Bounds is the valid boost temperature range for a device.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp forces value into the range.
func (b Bounds) Clamp(value float64) float64 {
	if value < b.Min {
		return b.Min
	}
	if value > b.Max {
		return b.Max
	}
	return value
}

// Contains reports whether value lies within the range.
func (b Bounds) Contains(value float64) bool {
	return value >= b.Min && value <= b.Max
}

// BoundsCalculator derives boost temperature bounds from a
// thermostat's min_temp/max_temp attributes.
type BoundsCalculator struct {
	client   ha.HAClient
	imperial bool
	logger   *zap.Logger
}

// NewBoundsCalculator creates a bounds calculator. imperial selects
// the fallback range used when the thermostat attributes are unusable.
func NewBoundsCalculator(client ha.HAClient, imperial bool, logger *zap.Logger) *BoundsCalculator {
	return &BoundsCalculator{
		client:   client,
		imperial: imperial,
		logger:   logger.Named("bounds"),
	}
}

// fallback returns the unit-dependent default range.
func (c *BoundsCalculator) fallback() Bounds {
	if c.imperial {
		return Bounds{Min: imperialMin, Max: imperialMax}
	}
	return Bounds{Min: metricMin, Max: metricMax}
}

// For computes the current bounds for a climate entity. Missing or
// non-numeric attributes normalize to 0; a fully-zero or inverted
// range falls back to the unit default, and a zero max with a usable
// min keeps the min and borrows the fallback max.
func (c *BoundsCalculator) For(climateEntity string) Bounds {
	fallback := c.fallback()

	state, err := c.client.GetState(climateEntity)
	if err != nil || !state.Available() {
		return fallback
	}

	return c.Normalize(floatOrZero(state, "min_temp"), floatOrZero(state, "max_temp"))
}

// Normalize applies the bounds rules to raw min/max values.
func (c *BoundsCalculator) Normalize(min, max float64) Bounds {
	fallback := c.fallback()

	switch {
	case min == 0 && max == 0:
		return fallback
	case max == 0 && min > 0:
		return Bounds{Min: min, Max: fallback.Max}
	case min > max:
		return fallback
	default:
		return Bounds{Min: min, Max: max}
	}
}

func floatOrZero(state *ha.State, key string) float64 {
	value, ok := state.FloatAttribute(key)
	if !ok {
		return 0
	}
	return value
}
