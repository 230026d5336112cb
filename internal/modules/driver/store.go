// README: Driver pool backed by Redis hashes and a GEO set of available drivers.
package driver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

const (
	availableGeoKey = "drivers:available"
	driverKeyPrefix = "driver:%s"
)

// setPositionScript writes the position and, only while the driver is flagged
// available, moves it in the GEO set. Running both in one script keeps a
// concurrent SetAvailability(false) from being undone.
var setPositionScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'lat', ARGV[1], 'lng', ARGV[2], 'last_seen', ARGV[3])
if redis.call('HGET', KEYS[1], 'available') == '1' then
	redis.call('GEOADD', KEYS[2], ARGV[2], ARGV[1], ARGV[4])
	return 1
end
return 0`)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

func (s *Store) Upsert(ctx context.Context, p Profile) error {
	fields := map[string]any{
		"class":         string(p.VehicleClass),
		"device_token":  p.DeviceToken,
		"per_km":        0,
		"min_charge":    0,
		"pickup_per_km": 0,
	}
	if o := p.RateOverride; o != nil {
		fields["per_km"] = o.PerKm
		fields["min_charge"] = o.MinCharge
		fields["pickup_per_km"] = o.PickupPerKm
	}
	return s.redis.HSet(ctx, driverKey(p.ID), fields).Err()
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Driver, error) {
	vals, err := s.redis.HGetAll(ctx, driverKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	d := fromHash(id, vals)
	return &d, nil
}

// SetPosition records the latest position. Last write wins.
func (s *Store) SetPosition(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	keys := []string{driverKey(id), availableGeoKey}
	return setPositionScript.Run(ctx, s.redis, keys, p.Lat, p.Lng, at.UnixMilli(), string(id)).Err()
}

func (s *Store) SetAvailability(ctx context.Context, id types.ID, available bool) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	if available {
		pipe.HSet(ctx, driverKey(id), "available", "1")
		if d.HasPosition {
			pipe.GeoAdd(ctx, availableGeoKey, &redis.GeoLocation{Name: string(id), Longitude: d.Position.Lng, Latitude: d.Position.Lat})
		}
	} else {
		pipe.HSet(ctx, driverKey(id), "available", "0")
		pipe.ZRem(ctx, availableGeoKey, string(id))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// NearbyAvailable returns up to limit drivers within radiusKm that match f,
// closest first. The filter runs before the limit, so drivers of other classes
// or on the exclude list never take a slot. A limit of zero returns every match.
func (s *Store) NearbyAvailable(ctx context.Context, p types.Point, radiusKm float64, f Filter, limit int) ([]Driver, error) {
	search := func(ctx context.Context, count int) ([]string, error) {
		return s.nearby(ctx, p, radiusKm, count)
	}
	return collectNearby(ctx, search, s.load, f, limit)
}

type searchFunc func(ctx context.Context, count int) ([]string, error)

type loadFunc func(ctx context.Context, ids []string) ([]Driver, error)

// collectNearby widens the GEO search until it holds limit matching drivers or
// the radius runs out of members.
func collectNearby(ctx context.Context, search searchFunc, load loadFunc, f Filter, limit int) ([]Driver, error) {
	count := 0
	if limit > 0 {
		count = limit + len(f.Exclude)
	}
	seen := make(map[string]struct{})
	var out []Driver
	for {
		ids, err := search(ctx, count)
		if err != nil {
			return nil, err
		}
		fresh := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			fresh = append(fresh, id)
		}
		drivers, err := load(ctx, fresh)
		if err != nil {
			return nil, err
		}
		for _, d := range drivers {
			if !f.Match(d) {
				continue
			}
			out = append(out, d)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
		if count == 0 || len(ids) < count || len(fresh) == 0 {
			return out, nil
		}
		count *= 2
	}
}

// load fetches driver hashes in the order given, skipping ids with no hash.
func (s *Store) load(ctx context.Context, ids []string) ([]Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, driverKey(types.ID(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load nearby drivers: %w", err)
	}

	out := make([]Driver, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		out = append(out, fromHash(types.ID(ids[i]), vals))
	}
	return out, nil
}

// CountAvailableNear is the supply side of the surge snapshot.
func (s *Store) CountAvailableNear(ctx context.Context, p types.Point, radiusKm float64) (int, error) {
	ids, err := s.nearby(ctx, p, radiusKm, 0)
	return len(ids), err
}

func (s *Store) nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]string, error) {
	return s.redis.GeoSearch(ctx, availableGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Count:      limit,
		Sort:       "ASC",
	}).Result()
}

func fromHash(id types.ID, vals map[string]string) Driver {
	d := Driver{
		ID:           id,
		Available:    vals["available"] == "1",
		VehicleClass: types.VehicleClass(vals["class"]),
		DeviceToken:  vals["device_token"],
	}
	lat, latErr := strconv.ParseFloat(vals["lat"], 64)
	lng, lngErr := strconv.ParseFloat(vals["lng"], 64)
	if latErr == nil && lngErr == nil {
		d.Position = types.Point{Lat: lat, Lng: lng}
		d.HasPosition = true
	}
	if ms, err := strconv.ParseInt(vals["last_seen"], 10, 64); err == nil {
		d.LastSeenAt = time.UnixMilli(ms)
	}
	o := pricing.Override{
		PerKm:       parseFloat(vals["per_km"]),
		MinCharge:   parseFloat(vals["min_charge"]),
		PickupPerKm: parseFloat(vals["pickup_per_km"]),
	}
	if o.PerKm > 0 || o.MinCharge > 0 || o.PickupPerKm > 0 {
		d.RateOverride = &o
	}
	return d
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func driverKey(id types.ID) string {
	return fmt.Sprintf(driverKeyPrefix, string(id))
}
