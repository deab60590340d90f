package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rescue-dispatch/internal/models"
)

// RedisGeo implements Roster using Redis GEO commands plus a metadata hash per driver.
// key holds every located driver; key+":available" holds the ones free to take a
// trip, and only that set is searched. Drivers that never reported a location are
// kept in metadata only and are not returned by Nearby.
type RedisGeo struct {
	client      *redis.Client
	key         string
	radiusMiles float64
}

func NewRedisGeo(client *redis.Client, key string, radiusMiles float64) *RedisGeo {
	if radiusMiles <= 0 {
		radiusMiles = 25
	}
	return &RedisGeo{client: client, key: key, radiusMiles: radiusMiles}
}

func (r *RedisGeo) availableKey() string { return r.key + ":available" }

func (r *RedisGeo) Upsert(ctx context.Context, d models.CandidateDriver) error {
	pipe := r.client.TxPipeline()
	if d.CurrentLocation != nil {
		loc := &redis.GeoLocation{Longitude: d.CurrentLocation.Lng, Latitude: d.CurrentLocation.Lat, Name: d.ID}
		pipe.GeoAdd(ctx, r.key, loc)
		if d.IsAvailable {
			pipe.GeoAdd(ctx, r.availableKey(), loc)
		} else {
			pipe.ZRem(ctx, r.availableKey(), d.ID)
		}
	} else {
		pipe.ZRem(ctx, r.key, d.ID)
		pipe.ZRem(ctx, r.availableKey(), d.ID)
	}
	pipe.HSet(ctx, metaKey(d.ID), encodeMeta(d))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) SetAvailable(ctx context.Context, driverID string, available bool) error {
	n, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownDriver
	}
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil {
		return fmt.Errorf("driver %s position: %w", driverID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, metaKey(driverID),
		"available", strconv.FormatBool(available),
		"updated", time.Now().UTC().Format(time.RFC3339),
	)
	if available && len(pos) == 1 && pos[0] != nil {
		pipe.GeoAdd(ctx, r.availableKey(), &redis.GeoLocation{Longitude: pos[0].Longitude, Latitude: pos[0].Latitude, Name: driverID})
	} else {
		pipe.ZRem(ctx, r.availableKey(), driverID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set driver %s availability: %w", driverID, err)
	}
	return nil
}

// Nearby searches the available set only, so busy drivers never take a slot.
func (r *RedisGeo) Nearby(ctx context.Context, lat, lng float64, limit int) ([]models.CandidateDriver, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     r.radiusMiles,
			RadiusUnit: "mi",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
	}
	res, err := r.client.GeoSearchLocation(ctx, r.availableKey(), q).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load driver meta: %w", err)
	}

	out := make([]models.CandidateDriver, 0, len(res))
	for i, g := range res {
		d := decodeMeta(g.Name, metas[i].Val())
		if !d.IsAvailable {
			continue
		}
		d.CurrentLocation = &models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		out = append(out, d)
	}
	return out, nil
}

func encodeMeta(d models.CandidateDriver) map[string]interface{} {
	rating := ""
	if d.Rating != nil {
		rating = strconv.FormatFloat(*d.Rating, 'f', -1, 64)
	}
	return map[string]interface{}{
		"rating":      rating,
		"available":   strconv.FormatBool(d.IsAvailable),
		"gear_status": string(d.GearVerificationStatus),
		"gear_type":   d.GearType,
		"updated":     time.Now().UTC().Format(time.RFC3339),
	}
}

func decodeMeta(id string, m map[string]string) models.CandidateDriver {
	d := models.CandidateDriver{
		ID:                     id,
		GearVerificationStatus: models.GearStatus(m["gear_status"]),
		GearType:               m["gear_type"],
		IsAvailable:            m["available"] == "true",
	}
	if d.GearVerificationStatus == "" {
		d.GearVerificationStatus = models.GearNone
	}
	if v := m["rating"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = &f
		}
	}
	if v := m["updated"]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			d.Updated = t
		}
	}
	return d
}

func metaKey(id string) string { return "driver:meta:" + id }
