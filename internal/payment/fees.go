// Package payment prices stays and issues payment receipts. Amounts are
// whole VND. Receipts are advisory: the exit mutation computes the
// authoritative fee on its own.
package payment

import (
	"math"
	"time"

	"github.com/parkgrid/parking/internal/config"
)

// Quote prices a stay. Minutes round up, hours round up, the first started
// hour costs the base rate and every further started hour adds the extra
// rate.
func Quote(timeIn, timeOut time.Time, fee config.Fee) (amount int64, minutes int64) {
	d := timeOut.Sub(timeIn)
	if d < 0 {
		d = 0
	}
	minutes = int64(math.Ceil(d.Minutes()))
	hours := (minutes + 59) / 60
	if hours <= 1 {
		return fee.Base, minutes
	}
	return fee.Base + (hours-1)*fee.PerExtraHour, minutes
}
