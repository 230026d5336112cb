// README: Matching offers and driver responses.
package matching

import (
	"time"

	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionIgnore Decision = "ignore"
)

func (d Decision) Valid() bool {
	return d == DecisionAccept || d == DecisionIgnore
}

type DriverResponse struct {
	DriverID types.ID
	RideID   types.ID
	Decision Decision
}

// Offer is the outstanding proposal of one ride to one driver. Found is false
// when no eligible driver was in range.
type Offer struct {
	Found     bool
	RideID    types.ID
	DriverID  types.ID
	Quote     pricing.Quote
	ExpiresAt time.Time
}
