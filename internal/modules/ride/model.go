// README: Ride aggregate, status flow and audit events.
package ride

import (
	"slices"
	"time"

	"ridecore/internal/types"
)

type Status string

const (
	StatusNone           Status = "none"
	StatusScheduled      Status = "scheduled"
	StatusPaymentPending Status = "payment_pending"
	StatusPending        Status = "pending"
	StatusAccepted       Status = "accepted"
	StatusEnroute        Status = "enroute"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentCard PaymentMethod = "card"
)

type PaymentStatus string

const (
	PaymentNone       PaymentStatus = "none"
	PaymentAwaiting   PaymentStatus = "awaiting"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
)

const (
	ActorRider  = "rider"
	ActorDriver = "driver"
	ActorSystem = "system"
)

type PathPoint struct {
	Point      types.Point
	RecordedAt time.Time
}

// FareBreakdown is the settled fare. Amount is what the rider pays.
type FareBreakdown struct {
	DistanceKm    float64
	PickupKm      float64
	DurationSec   float64
	TrafficFactor float64
	Surge         float64
	WaitingFee    float64
	Amount        types.Money
}

type Cancellation struct {
	Actor   string
	ActorID *types.ID
	Reason  string
	Note    string
	// DistanceKm is the assigned driver's distance from pickup when the ride was cancelled.
	DistanceKm *float64
}

type Ride struct {
	ID            types.ID
	RiderID       types.ID
	DriverID      *types.ID
	Status        Status
	StatusVersion int
	Pickup        types.Point
	Destination   types.Point
	VehicleClass  types.VehicleClass
	Estimate      types.Money
	QuotedSurge   float64
	Fare          *FareBreakdown
	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	Path          []PathPoint

	Arrived           bool
	ArrivedAt         *time.Time
	ArrivalNotifiedAt *time.Time

	Cancellation *Cancellation
	ScheduledFor *time.Time
	Activated    bool
	DriverStart  *types.Point

	CreatedAt   time.Time
	AcceptedAt  *time.Time
	PickedAt    *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
}

// Active reports whether a driver is bound to the ride and it has not finished.
func (r *Ride) Active() bool {
	return r.Status == StatusAccepted || r.Status == StatusEnroute
}

func (r *Ride) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled
}

func (r *Ride) AssignedTo(driverID types.ID) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

type Event struct {
	ID         int64
	RideID     types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	Note       string
	CreatedAt  time.Time
}

// AllowedTransitions represents the ride state flow as code. Terminal states have no entry.
var AllowedTransitions = map[Status][]Status{
	StatusScheduled:      {StatusPending, StatusCancelled},
	StatusPaymentPending: {StatusPending, StatusCancelled},
	StatusPending:        {StatusAccepted, StatusCancelled},
	StatusAccepted:       {StatusEnroute, StatusCancelled},
	StatusEnroute:        {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	return slices.Contains(AllowedTransitions[from], to)
}
