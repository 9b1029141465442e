package scheduler

import (
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// civilTwilightOffset approximates the gap between sunrise/sunset and
// civil dawn/dusk when a precise twilight calculation isn't available.
// This mirrors the fixed offset the teacher's day-phase calculator used
// around its go-sunrise sunrise/sunset pair.
const civilTwilightOffset = 30 * time.Minute

// sunCalculator computes sun-event times for a fixed lat/long, grounded
// on github.com/nathan-osman/go-sunrise's SunriseSunset, the same
// dependency and call shape as the teacher's internal/dayphase
// calculator.
type sunCalculator struct {
	lat, long float64
}

func newSunCalculator(lat, long float64) *sunCalculator {
	return &sunCalculator{lat: lat, long: long}
}

// eventTime returns the time of the given SunEvent on the calendar date
// of `day` (interpreted in loc), converted to loc.
func (c *sunCalculator) eventTime(day time.Time, event SunEvent, loc *time.Location) time.Time {
	sunriseUTC, sunsetUTC := sunrise.SunriseSunset(
		c.lat, c.long, day.Year(), day.Month(), day.Day(),
	)
	sr := sunriseUTC.In(loc)
	ss := sunsetUTC.In(loc)

	switch event {
	case Sunrise:
		return sr
	case Sunset:
		return ss
	case Dawn:
		return sr.Add(-civilTwilightOffset)
	case Dusk:
		return ss.Add(civilTwilightOffset)
	case Noon:
		return sr.Add(ss.Sub(sr) / 2)
	default:
		return sr
	}
}
