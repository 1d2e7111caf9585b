package geo

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(models.Coord{}, models.Coord{})
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func newTestIndex(now *time.Time) *Memory {
	m := NewMemory(5 * time.Minute)
	m.now = func() time.Time { return *now }
	return m
}

func online(id string, lat, lng float64) models.DriverPresence {
	return models.DriverPresence{ID: id, Loc: models.Coord{Lat: lat, Lng: lng}, Class: models.ClassEconomy, Status: models.DriverOnline}
}

func TestNearbyRadiusAndOrder(t *testing.T) {
	now := time.Now()
	m := newTestIndex(&now)
	m.Upsert(online("far", 6.60, 3.40))
	m.Upsert(online("near", 6.521, 3.371))
	m.Upsert(online("outside", 7.50, 3.37))

	origin := models.Coord{Lat: 6.52, Lng: 3.37}
	got := m.Nearby(origin, 20000, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Driver.ID != "near" || got[1].Driver.ID != "far" {
		t.Fatalf("wrong order: %s, %s", got[0].Driver.ID, got[1].Driver.ID)
	}
	for _, c := range got {
		if c.DistanceMeters > 20000 {
			t.Fatalf("driver %s beyond radius: %f", c.Driver.ID, c.DistanceMeters)
		}
	}
}

func TestNearbyTieBreakLexical(t *testing.T) {
	now := time.Now()
	m := newTestIndex(&now)
	m.Upsert(online("b", 1, 1))
	m.Upsert(online("a", 1, 1))
	got := m.Nearby(models.Coord{Lat: 1, Lng: 1}, 1000, 10)
	if len(got) != 2 || got[0].Driver.ID != "a" {
		t.Fatalf("expected lexical tie-break, got %+v", got)
	}
}

func TestNearbyExcludesBusyAndOffline(t *testing.T) {
	now := time.Now()
	m := newTestIndex(&now)
	m.Upsert(online("d1", 1, 1))
	if !m.SetStatus("d1", models.DriverBusy) {
		t.Fatal("SetStatus failed")
	}
	if got := m.Nearby(models.Coord{Lat: 1, Lng: 1}, 1000, 10); len(got) != 0 {
		t.Fatalf("busy driver matched: %+v", got)
	}
	m.Remove("d1")
	if _, ok := m.Get("d1"); ok {
		t.Fatal("removed driver still present")
	}
	m.Remove("d1") // idempotent
}

func TestStalenessExclusionAndPurge(t *testing.T) {
	now := time.Now()
	m := newTestIndex(&now)
	m.Upsert(online("d1", 1, 1))

	now = now.Add(6 * time.Minute)
	if got := m.Nearby(models.Coord{Lat: 1, Lng: 1}, 1000, 10); len(got) != 0 {
		t.Fatalf("stale driver matched: %+v", got)
	}
	if _, ok := m.Get("d1"); ok {
		t.Fatal("stale driver visible via Get")
	}
	if n := m.PurgeStale(now); n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
}

func TestUpsertRefreshesStaleness(t *testing.T) {
	now := time.Now()
	m := newTestIndex(&now)
	m.Upsert(online("d1", 1, 1))
	now = now.Add(4 * time.Minute)
	m.Upsert(online("d1", 1.001, 1))
	now = now.Add(4 * time.Minute)
	// last ping was 4m ago, inside the window
	if got := m.Nearby(models.Coord{Lat: 1, Lng: 1}, 1000, 10); len(got) != 1 {
		t.Fatalf("refreshed driver missing: %+v", got)
	}
}

func TestUpsertDoesNotReleaseBusyDriver(t *testing.T) {
	now := time.Now()
	m := newTestIndex(&now)
	m.Upsert(online("d1", 1, 1))
	m.SetStatus("d1", models.DriverBusy)

	// a bare location ping mid-ride must not free the driver
	m.Upsert(online("d1", 1.01, 1))
	d, ok := m.Get("d1")
	if !ok || d.Status != models.DriverBusy {
		t.Fatalf("busy driver released by ping: %+v", d)
	}

	// explicit offline in the update wins
	p := online("d1", 1.01, 1)
	p.Status = models.DriverOffline
	m.Upsert(p)
	if d, _ := m.Get("d1"); d.Status == models.DriverBusy {
		t.Fatalf("explicit status ignored: %+v", d)
	}
}

func TestOnlineSnapshotIncludesBusy(t *testing.T) {
	now := time.Now()
	m := newTestIndex(&now)
	m.Upsert(online("a", 1, 1))
	m.Upsert(online("b", 2, 2))
	m.SetStatus("b", models.DriverBusy)
	got := m.Online()
	if len(got) != 2 {
		t.Fatalf("expected 2, got %d", len(got))
	}
}
