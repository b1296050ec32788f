// Package clock pins every timestamp the system produces to the lot's wall
// clock (Asia/Ho_Chi_Minh) and gives tests a way to freeze time.
package clock

import "time"

// Zone is the lot's timezone. LoadLocation needs tzdata on the host; when it
// is missing we fall back to the fixed +07:00 offset, which Vietnam has used
// since 1975.
var Zone = loadZone()

func loadZone() *time.Location {
	if loc, err := time.LoadLocation("Asia/Ho_Chi_Minh"); err == nil {
		return loc
	}
	return time.FixedZone("+07", 7*3600)
}

// Clock hands out the current lot-local time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().In(Zone) }

// System returns the real clock.
func System() Clock { return systemClock{} }

// Fixed is a frozen clock for tests.
type Fixed struct{ T time.Time }

func (f Fixed) Now() time.Time { return f.T.In(Zone) }

// At builds a frozen clock from lot-local date parts.
func At(year int, month time.Month, day, hour, min, sec int) Fixed {
	return Fixed{T: time.Date(year, month, day, hour, min, sec, 0, Zone)}
}

// ISO renders a timestamp the way the APIs expose it: ISO-8601 with the
// numeric offset, second precision.
func ISO(t time.Time) string {
	return t.In(Zone).Format("2006-01-02T15:04:05-07:00")
}

// ParseISO accepts what ISO produces plus RFC3339 variants with fractional
// seconds.
func ParseISO(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(Zone), nil
}
