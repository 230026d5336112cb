// README: Ride store backed by PostgreSQL. Every transition is a conditional UPDATE.
package ride

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridecore/internal/geo"
	"ridecore/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const rideColumns = `
	id, rider_id, driver_id, status, status_version,
	pickup_lat, pickup_lng, dest_lat, dest_lng,
	vehicle_class, estimate_amount, currency, quoted_surge,
	payment_method, payment_status,
	fare_distance_km, fare_pickup_km, fare_duration_sec, fare_traffic_factor,
	fare_surge, fare_waiting_fee, fare_amount,
	arrived, arrived_at, arrival_notified_at,
	cancel_actor, cancel_actor_id, cancel_reason, cancel_note, cancel_distance_km,
	scheduled_for, activated, driver_start_lat, driver_start_lng,
	created_at, accepted_at, picked_at, completed_at, cancelled_at`

func (s *Store) Create(ctx context.Context, r *Ride) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO rides (
			id, rider_id, status, status_version,
			pickup_lat, pickup_lng, dest_lat, dest_lng,
			vehicle_class, estimate_amount, currency, quoted_surge,
			payment_method, payment_status, scheduled_for, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16
		)`,
		string(r.ID),
		string(r.RiderID),
		string(r.Status),
		r.StatusVersion,
		r.Pickup.Lat, r.Pickup.Lng,
		r.Destination.Lat, r.Destination.Lng,
		string(r.VehicleClass),
		r.Estimate.Amount,
		r.Estimate.Currency,
		r.QuotedSurge,
		string(r.PaymentMethod),
		string(r.PaymentStatus),
		r.ScheduledFor,
		r.CreatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Ride, error) {
	r, err := scanRide(s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id)))
	if err != nil {
		return nil, err
	}
	path, err := s.listPath(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Path = path
	return r, nil
}

func (s *Store) Assign(ctx context.Context, id types.ID, version int, a Assignment) (bool, error) {
	var startLat, startLng *float64
	if a.DriverStart != nil {
		startLat, startLng = &a.DriverStart.Lat, &a.DriverStart.Lng
	}
	var estimate *int64
	if a.Estimate != nil {
		estimate = &a.Estimate.Amount
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = 'accepted',
			status_version = status_version + 1,
			driver_id = $1,
			driver_start_lat = $2,
			driver_start_lng = $3,
			estimate_amount = COALESCE($4, estimate_amount),
			quoted_surge = $5,
			accepted_at = $6
		WHERE id = $7 AND status = 'pending' AND driver_id IS NULL AND status_version = $8`,
		string(a.DriverID), startLat, startLng, estimate, a.QuotedSurge, a.At,
		string(id), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = $1,
			status_version = status_version + 1,
			payment_status = CASE WHEN $4 = 'payment_pending' THEN 'authorized' ELSE payment_status END,
			picked_at = CASE WHEN $1 = 'enroute' THEN $5 ELSE picked_at END
		WHERE id = $2 AND status = $4 AND status_version = $3`,
		string(to), string(id), version, string(from), at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Activate(ctx context.Context, id types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = 'pending',
			status_version = status_version + 1,
			activated = TRUE
		WHERE id = $1 AND status = 'scheduled' AND activated = FALSE`,
		string(id),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Complete(ctx context.Context, id types.ID, version int, f FareBreakdown, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = 'completed',
			status_version = status_version + 1,
			fare_distance_km = $1,
			fare_pickup_km = $2,
			fare_duration_sec = $3,
			fare_traffic_factor = $4,
			fare_surge = $5,
			fare_waiting_fee = $6,
			fare_amount = $7,
			payment_status = CASE WHEN payment_method = 'card' THEN 'captured' ELSE payment_status END,
			completed_at = $8
		WHERE id = $9 AND status = 'enroute' AND status_version = $10`,
		f.DistanceKm, f.PickupKm, f.DurationSec, f.TrafficFactor,
		f.Surge, f.WaitingFee, f.Amount.Amount, at,
		string(id), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Cancel(ctx context.Context, id types.ID, from Status, version int, c Cancellation, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET status = 'cancelled',
			status_version = status_version + 1,
			cancel_actor = $1,
			cancel_actor_id = $2,
			cancel_reason = $3,
			cancel_note = $4,
			cancel_distance_km = $5,
			cancelled_at = $6
		WHERE id = $7 AND status = $8 AND status_version = $9`,
		c.Actor, toStringPtr(c.ActorID), c.Reason, c.Note, c.DistanceKm, at,
		string(id), string(from), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkArrived(ctx context.Context, id types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET arrived = TRUE, arrived_at = $1, arrival_notified_at = $1
		WHERE id = $2 AND status = 'accepted' AND arrived = FALSE`,
		at, string(id),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ClaimArrivalNotice(ctx context.Context, id types.ID, at, notBefore time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET arrival_notified_at = $1
		WHERE id = $2 AND status = 'accepted' AND arrived = TRUE AND arrival_notified_at <= $3`,
		at, string(id), notBefore,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendPath(ctx context.Context, id types.ID, p PathPoint) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_path_points (ride_id, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4)`,
		string(id), p.Point.Lat, p.Point.Lng, p.RecordedAt,
	)
	return err
}

func (s *Store) listPath(ctx context.Context, id types.ID) ([]PathPoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT lat, lng, recorded_at
		FROM ride_path_points
		WHERE ride_id = $1
		ORDER BY id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (PathPoint, error) {
		var p PathPoint
		err := row.Scan(&p.Point.Lat, &p.Point.Lng, &p.RecordedAt)
		return p, err
	})
}

func (s *Store) ActiveByDriver(ctx context.Context, driverID types.ID) (*Ride, error) {
	r, err := scanRide(s.db.QueryRow(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE driver_id = $1 AND status IN ('accepted','enroute')
		ORDER BY accepted_at DESC
		LIMIT 1`, string(driverID),
	))
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) HasActiveByRider(ctx context.Context, riderID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides
			WHERE rider_id = $1
			  AND status IN ('payment_pending','pending','accepted','enroute')
		)`, string(riderID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) ListDueScheduled(ctx context.Context, until time.Time, limit int) ([]*Ride, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE status = 'scheduled' AND activated = FALSE AND scheduled_for <= $1
		ORDER BY scheduled_for
		LIMIT $2`, until, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRequestsNear counts rides created since the given time whose pickup lies
// within radiusKm of p. A bounding box narrows the scan before the exact check.
func (s *Store) CountRequestsNear(ctx context.Context, p types.Point, radiusKm float64, since time.Time) (int, error) {
	dLat := radiusKm / 111.0
	dLng := dLat
	if c := math.Cos(p.Lat * math.Pi / 180); c > 0.01 {
		dLng = dLat / c
	}
	rows, err := s.db.Query(ctx, `
		SELECT pickup_lat, pickup_lng
		FROM rides
		WHERE created_at >= $1
		  AND pickup_lat BETWEEN $2 AND $3
		  AND pickup_lng BETWEEN $4 AND $5`,
		since, p.Lat-dLat, p.Lat+dLat, p.Lng-dLng, p.Lng+dLng,
	)
	if err != nil {
		return 0, err
	}
	pickups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Point, error) {
		var q types.Point
		err := row.Scan(&q.Lat, &q.Lng)
		return q, err
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, q := range pickups {
		if geo.HaversineKm(p, q) <= radiusKm {
			n++
		}
	}
	return n, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO ride_events (
			ride_id, from_status, to_status, actor_type, actor_id, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.RideID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.Note,
		e.CreatedAt,
	)
	return err
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var driverID, cancelActor, cancelActorID, cancelReason, cancelNote *string
	var fareAmount *int64
	var startLat, startLng, cancelDistance *float64
	var f FareBreakdown

	err := row.Scan(
		&r.ID, &r.RiderID, &driverID, &r.Status, &r.StatusVersion,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Destination.Lat, &r.Destination.Lng,
		&r.VehicleClass, &r.Estimate.Amount, &r.Estimate.Currency, &r.QuotedSurge,
		&r.PaymentMethod, &r.PaymentStatus,
		&f.DistanceKm, &f.PickupKm, &f.DurationSec, &f.TrafficFactor,
		&f.Surge, &f.WaitingFee, &fareAmount,
		&r.Arrived, &r.ArrivedAt, &r.ArrivalNotifiedAt,
		&cancelActor, &cancelActorID, &cancelReason, &cancelNote, &cancelDistance,
		&r.ScheduledFor, &r.Activated, &startLat, &startLng,
		&r.CreatedAt, &r.AcceptedAt, &r.PickedAt, &r.CompletedAt, &r.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if driverID != nil {
		d := types.ID(*driverID)
		r.DriverID = &d
	}
	if fareAmount != nil {
		f.Amount = types.Money{Amount: *fareAmount, Currency: r.Estimate.Currency}
		r.Fare = &f
	}
	if startLat != nil && startLng != nil {
		r.DriverStart = &types.Point{Lat: *startLat, Lng: *startLng}
	}
	if cancelActor != nil {
		c := &Cancellation{Actor: *cancelActor, DistanceKm: cancelDistance}
		if cancelActorID != nil {
			id := types.ID(*cancelActorID)
			c.ActorID = &id
		}
		if cancelReason != nil {
			c.Reason = *cancelReason
		}
		if cancelNote != nil {
			c.Note = *cancelNote
		}
		r.Cancellation = c
	}
	return &r, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
