// Package marketclock answers if the exchange is trading at a given instant.
package marketclock

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	// Embedded so Australia/Sydney resolves on hosts without a zoneinfo database.
	_ "time/tzdata"
)

// DefaultZone is the timezone the ASX trades in.
const DefaultZone = "Australia/Sydney"

// Clock decides if the market is open. The zero value is not usable, use New().
type Clock struct {
	loc       *time.Location
	openHour  int
	closeHour int
}

// New returns a Clock for the named timezone that is open on weekdays from
// openHour (inclusive) until closeHour (exclusive). If zone cannot be loaded the
// clock falls back to UTC and logs a warning.
func New(zone string, openHour, closeHour int) (Clock, error) {
	if openHour < 0 || openHour > 23 || closeHour < 1 || closeHour > 24 || openHour >= closeHour {
		return Clock{}, fmt.Errorf("marketclock: invalid trading window %d:00-%d:00", openHour, closeHour)
	}

	loc, err := time.LoadLocation(zone)
	if err != nil {
		glog.Warningf("marketclock: could not load timezone %q, using UTC: %s", zone, err)
		loc = time.UTC
	}
	return Clock{loc: loc, openHour: openHour, closeHour: closeHour}, nil
}

// ASX returns the clock for the ASX: 10:00-16:00 Sydney time, Monday to Friday.
func ASX() Clock {
	c, err := New(DefaultZone, 10, 16)
	if err != nil {
		panic(err)
	}
	return c
}

// Location is the timezone the clock evaluates in.
func (c Clock) Location() *time.Location {
	return c.loc
}

// IsOpen reports if the market is open at now.
func (c Clock) IsOpen(now time.Time) bool {
	local := now.In(c.loc)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	h := local.Hour()
	return h >= c.openHour && h < c.closeHour
}
