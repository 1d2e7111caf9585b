package geo

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// Redis implements Index on Redis GEO commands so multiple dispatch processes
// can share one fleet view. Position lives in a GEOADD set, the rest of the
// presence record in a per-driver hash.
type Redis struct {
	client      *redis.Client
	key         string
	staleWindow time.Duration
	ctx         context.Context
	now         func() time.Time
}

func NewRedis(addr, password, key string, staleWindow time.Duration) *Redis {
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c, key: key, staleWindow: staleWindow, ctx: context.Background(), now: time.Now}
}

func metaKey(id string) string { return "driver:meta:" + id }

func (r *Redis) Upsert(p models.DriverPresence) {
	if p.Status == "" {
		p.Status = models.DriverOnline
	}
	if cur, ok := r.Get(p.ID); ok && cur.Status == models.DriverBusy && p.Status == models.DriverOnline {
		p.Status = models.DriverBusy
	}
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lng, Latitude: p.Loc.Lat, Name: p.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(p.ID), map[string]interface{}{
		"rating":  strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"class":   string(p.Class),
		"status":  string(p.Status),
		"updated": r.now().Format(time.RFC3339),
	}).Err()
	_ = r.client.Expire(r.ctx, metaKey(p.ID), r.staleWindow).Err()
}

func (r *Redis) Remove(driverID string) {
	_, _ = r.client.ZRem(r.ctx, r.key, driverID).Result()
	_ = r.client.Del(r.ctx, metaKey(driverID)).Err()
}

func (r *Redis) Get(driverID string) (models.DriverPresence, bool) {
	m, err := r.client.HGetAll(r.ctx, metaKey(driverID)).Result()
	if err != nil || len(m) == 0 {
		return models.DriverPresence{}, false
	}
	d := r.fromMeta(driverID, m)
	if r.stale(d) {
		return models.DriverPresence{}, false
	}
	if pos, err := r.client.GeoPos(r.ctx, r.key, driverID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	}
	return d, true
}

func (r *Redis) SetStatus(driverID string, status models.DriverStatus) bool {
	if _, ok := r.Get(driverID); !ok {
		return false
	}
	return r.client.HSet(r.ctx, metaKey(driverID), "status", string(status)).Err() == nil
}

func (r *Redis) Nearby(origin models.Coord, radiusMeters float64, limit int) []Candidate {
	res, err := r.client.GeoRadius(r.ctx, r.key, origin.Lng, origin.Lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			// meta expired: driver went stale, drop the orphaned geo entry
			_, _ = r.client.ZRem(r.ctx, r.key, g.Name).Result()
			continue
		}
		d := r.fromMeta(g.Name, m)
		if d.Status != models.DriverOnline || r.stale(d) {
			continue
		}
		d.Loc = models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		out = append(out, Candidate{Driver: d, DistanceMeters: g.Dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *Redis) Online() []models.DriverPresence {
	ids, err := r.client.ZRange(r.ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil
	}
	out := make([]models.DriverPresence, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.Get(id); ok && d.Status != models.DriverOffline {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Redis) fromMeta(id string, m map[string]string) models.DriverPresence {
	d := models.DriverPresence{ID: id, Status: models.DriverOnline}
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	if v, ok := m["class"]; ok {
		d.Class = models.RideClass(v)
	}
	if v, ok := m["status"]; ok {
		d.Status = models.DriverStatus(v)
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			d.Updated = t
		}
	}
	return d
}

func (r *Redis) stale(d models.DriverPresence) bool {
	return r.now().Sub(d.Updated) > r.staleWindow
}
