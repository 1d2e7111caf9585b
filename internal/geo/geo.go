package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultStaleWindow is how long a driver may go without a ping before the
// index treats them as offline for matching purposes.
const DefaultStaleWindow = 5 * time.Minute

// Candidate pairs a driver with their distance from a query origin.
type Candidate struct {
	Driver         models.DriverPresence
	DistanceMeters float64
}

// Index is the live driver-location surface used by the matcher and the
// assignment coordinator.
type Index interface {
	Upsert(p models.DriverPresence)
	Remove(driverID string)
	Nearby(origin models.Coord, radiusMeters float64, limit int) []Candidate
	Get(driverID string) (models.DriverPresence, bool)
	SetStatus(driverID string, status models.DriverStatus) bool
	Online() []models.DriverPresence
}

// Memory is the in-process implementation. Nearby is a linear scan; the
// expected fleet per process is small enough that a geo-hash is not worth it,
// and the redis variant covers the large-fleet case.
type Memory struct {
	mu          sync.RWMutex
	drivers     map[string]models.DriverPresence
	staleWindow time.Duration
	now         func() time.Time
}

func NewMemory(staleWindow time.Duration) *Memory {
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	return &Memory{
		drivers:     make(map[string]models.DriverPresence),
		staleWindow: staleWindow,
		now:         time.Now,
	}
}

// Upsert refreshes a driver's position and timestamp. A bare ping implies the
// driver is online, but never flips a busy driver back to online: release is
// the coordinator's decision, not the GPS pipeline's.
func (m *Memory) Upsert(p models.DriverPresence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Updated = m.now()
	if p.Status == "" {
		p.Status = models.DriverOnline
	}
	if prev, ok := m.drivers[p.ID]; ok && prev.Status == models.DriverBusy && p.Status == models.DriverOnline {
		p.Status = models.DriverBusy
	}
	m.drivers[p.ID] = p
}

// Remove is the explicit offline signal; idempotent.
func (m *Memory) Remove(driverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drivers, driverID)
}

func (m *Memory) Get(driverID string) (models.DriverPresence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok || m.stale(d) {
		return models.DriverPresence{}, false
	}
	return d, true
}

// SetStatus flips a driver's availability. Returns false when the driver is
// unknown or stale, so callers can treat the driver as offline.
func (m *Memory) SetStatus(driverID string, status models.DriverStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok || m.stale(d) {
		return false
	}
	d.Status = status
	m.drivers[driverID] = d
	return true
}

// Nearby returns online drivers within radiusMeters of origin, nearest first.
// Stale entries are skipped (and purging is left to PurgeStale). Equal
// distances break on driver id so results are deterministic.
func (m *Memory) Nearby(origin models.Coord, radiusMeters float64, limit int) []Candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Candidate, 0, limit)
	for _, d := range m.drivers {
		if d.Status != models.DriverOnline || m.stale(d) {
			continue
		}
		dist := Haversine(origin, d.Loc)
		if dist > radiusMeters {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceMeters: dist})
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

// Online snapshots every non-stale driver currently marked online or busy,
// for the dashboard query surface.
func (m *Memory) Online() []models.DriverPresence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverPresence, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.Status == models.DriverOffline || m.stale(d) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PurgeStale drops entries past the staleness window. Queries already exclude
// them; this just reclaims memory on the periodic sweep.
func (m *Memory) PurgeStale(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, d := range m.drivers {
		if now.Sub(d.Updated) > m.staleWindow {
			delete(m.drivers, id)
			n++
		}
	}
	return n
}

func (m *Memory) stale(d models.DriverPresence) bool {
	return m.now().Sub(d.Updated) > m.staleWindow
}

// Haversine distance in meters.
func Haversine(a, b models.Coord) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}
