// README: Matching store backed by Redis: outstanding offers and per-ride exclusions.
package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

const (
	offerKeyPrefix    = "matching:ride:%s:offer"
	excludedKeyPrefix = "matching:ride:%s:excluded"
	// rides resolve well within a day
	excludedTTL = 24 * time.Hour
)

// clearOfferScript deletes the offer only while it still names the given driver.
var clearOfferScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'driver_id') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// SetOffer records the offer with a TTL and adds its driver to the ride's exclusions.
func (s *Store) SetOffer(ctx context.Context, o Offer, ttl time.Duration) error {
	key := offerKey(o.RideID)
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]any{
		"driver_id":    string(o.DriverID),
		"amount":       o.Quote.Price.Amount,
		"currency":     o.Quote.Price.Currency,
		"class":        string(o.Quote.VehicleClass),
		"distance_km":  o.Quote.DistanceKm,
		"pickup_km":    o.Quote.PickupKm,
		"duration_sec": o.Quote.DurationSec,
		"traffic":      o.Quote.TrafficFactor,
		"surge":        o.Quote.Surge,
		"expires_at":   o.ExpiresAt.UnixMilli(),
	})
	pipe.Expire(ctx, key, ttl)
	pipe.SAdd(ctx, excludedKey(o.RideID), string(o.DriverID))
	pipe.Expire(ctx, excludedKey(o.RideID), excludedTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Offer returns the outstanding offer for a ride. ok is false when none is live.
func (s *Store) Offer(ctx context.Context, rideID types.ID) (Offer, bool, error) {
	vals, err := s.redis.HGetAll(ctx, offerKey(rideID)).Result()
	if err != nil {
		return Offer{}, false, err
	}
	if len(vals) == 0 || vals["driver_id"] == "" {
		return Offer{}, false, nil
	}
	return offerFromHash(rideID, vals), true, nil
}

// ClearOffer removes the offer if driverID still holds it.
func (s *Store) ClearOffer(ctx context.Context, rideID, driverID types.ID) error {
	err := clearOfferScript.Run(ctx, s.redis, []string{offerKey(rideID)}, string(driverID)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (s *Store) AddExcluded(ctx context.Context, rideID, driverID types.ID) error {
	pipe := s.redis.TxPipeline()
	pipe.SAdd(ctx, excludedKey(rideID), string(driverID))
	pipe.Expire(ctx, excludedKey(rideID), excludedTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Excluded(ctx context.Context, rideID types.ID) ([]types.ID, error) {
	members, err := s.redis.SMembers(ctx, excludedKey(rideID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, len(members))
	for i, m := range members {
		out[i] = types.ID(m)
	}
	return out, nil
}

func offerFromHash(rideID types.ID, vals map[string]string) Offer {
	amount, _ := strconv.ParseInt(vals["amount"], 10, 64)
	expires, _ := strconv.ParseInt(vals["expires_at"], 10, 64)
	return Offer{
		Found:    true,
		RideID:   rideID,
		DriverID: types.ID(vals["driver_id"]),
		Quote: pricing.Quote{
			VehicleClass:  types.VehicleClass(vals["class"]),
			DistanceKm:    parseFloat(vals["distance_km"]),
			PickupKm:      parseFloat(vals["pickup_km"]),
			DurationSec:   parseFloat(vals["duration_sec"]),
			TrafficFactor: parseFloat(vals["traffic"]),
			Surge:         parseFloat(vals["surge"]),
			Price:         types.Money{Amount: amount, Currency: vals["currency"]},
		},
		ExpiresAt: time.UnixMilli(expires),
	}
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func offerKey(rideID types.ID) string {
	return fmt.Sprintf(offerKeyPrefix, string(rideID))
}

func excludedKey(rideID types.ID) string {
	return fmt.Sprintf(excludedKeyPrefix, string(rideID))
}
