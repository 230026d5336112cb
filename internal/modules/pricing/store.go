// README: Rate table overrides backed by PostgreSQL.
package pricing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"ridecore/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// LoadRates returns the per-class rows of vehicle_rates. Classes outside the closed set are skipped.
func (s *Store) LoadRates(ctx context.Context) (map[types.VehicleClass]Rate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT vehicle_class, base_fare, per_km, min_charge, pickup_per_km
		FROM vehicle_rates`)
	if err != nil {
		return nil, fmt.Errorf("query vehicle_rates: %w", err)
	}
	defer rows.Close()

	out := make(map[types.VehicleClass]Rate)
	for rows.Next() {
		var class string
		var r Rate
		if err := rows.Scan(&class, &r.BaseFare, &r.PerKm, &r.MinCharge, &r.PickupPerKm); err != nil {
			return nil, err
		}
		if vc := types.VehicleClass(class); vc.Valid() {
			out[vc] = r
		}
	}
	return out, rows.Err()
}
