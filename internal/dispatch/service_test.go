package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ride-dispatch/internal/event"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestService(t *testing.T) (*Service, *geo.Memory, *storage.Memory) {
	t.Helper()
	idx := geo.NewMemory(5 * time.Minute)
	store := storage.NewMemory()
	s := New(Options{
		Index:  idx,
		Engine: match.NewEngine(idx, 5000, 20000, 8),
		Hub:    event.NewHub(),
		Store:  store,
	})
	t.Cleanup(s.Close)
	return s, idx, store
}

func addDriver(idx *geo.Memory, id string, lat, lng float64) {
	idx.Upsert(models.DriverPresence{
		ID: id, Loc: models.Coord{Lat: lat, Lng: lng},
		Rating: 4.5, Class: models.ClassEconomy, Status: models.DriverOnline,
	})
}

func submit(t *testing.T, s *Service, id string, lat, lng float64) models.Ride {
	t.Helper()
	r, err := s.SubmitRide(context.Background(), models.RideRequest{
		RideID: id, RiderID: "rider-" + id,
		Pickup:  models.Coord{Lat: lat, Lng: lng},
		Dropoff: models.Coord{Lat: lat + 0.05, Lng: lng + 0.05},
		Class:   models.ClassEconomy,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestAssignCommitsRideAndDriver(t *testing.T) {
	s, idx, _ := newTestService(t)
	addDriver(idx, "d1", 6.521, 3.371)
	submit(t, s, "r1", 6.52, 3.37)

	a, err := s.Assign(context.Background(), "r1", "d1", models.MethodManual)
	if err != nil {
		t.Fatal(err)
	}
	if a.DriverID != "d1" || a.Method != models.MethodManual {
		t.Fatalf("bad assignment: %+v", a)
	}
	r, _ := s.GetRide("r1")
	if r.Status != models.RideAccepted || r.Assignment == nil || r.Assignment.DriverID != "d1" {
		t.Fatalf("ride not accepted: %+v", r)
	}
	d, _ := idx.Get("d1")
	if d.Status != models.DriverBusy {
		t.Fatalf("driver not busy: %+v", d)
	}
}

func TestConcurrentAssignAtMostOneCommit(t *testing.T) {
	s, idx, _ := newTestService(t)
	addDriver(idx, "d1", 6.521, 3.371)
	addDriver(idx, "d2", 6.60, 3.40)
	submit(t, s, "r1", 6.52, 3.37)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, driver := range []string{"d1", "d2"} {
		wg.Add(1)
		go func(i int, driver string) {
			defer wg.Done()
			_, errs[i] = s.Assign(context.Background(), "r1", driver, models.MethodManual)
		}(i, driver)
	}
	wg.Wait()

	commits := 0
	for _, err := range errs {
		if err == nil {
			commits++
		} else if !errors.Is(err, ErrRideNotAssignable) && !errors.Is(err, ErrDriverUnavailable) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if commits != 1 {
		t.Fatalf("expected exactly one commit, got %d", commits)
	}
	// exactly one driver busy
	busy := 0
	for _, id := range []string{"d1", "d2"} {
		if d, ok := idx.Get(id); ok && d.Status == models.DriverBusy {
			busy++
		}
	}
	if busy != 1 {
		t.Fatalf("expected one busy driver, got %d", busy)
	}
}

func TestConcurrentAssignNoDoubleBooking(t *testing.T) {
	s, idx, _ := newTestService(t)
	addDriver(idx, "d1", 6.521, 3.371)
	submit(t, s, "r1", 6.52, 3.37)
	submit(t, s, "r2", 6.52, 3.37)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, ride := range []string{"r1", "r2"} {
		wg.Add(1)
		go func(i int, ride string) {
			defer wg.Done()
			_, errs[i] = s.Assign(context.Background(), ride, "d1", models.MethodManual)
		}(i, ride)
	}
	wg.Wait()

	commits := 0
	for _, err := range errs {
		if err == nil {
			commits++
		} else if !errors.Is(err, ErrDriverUnavailable) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if commits != 1 {
		t.Fatalf("expected exactly one commit, got %d", commits)
	}
}

func TestAssignFailsOnBusyDriverAndTerminalRide(t *testing.T) {
	s, idx, _ := newTestService(t)
	addDriver(idx, "d1", 6.521, 3.371)
	addDriver(idx, "d2", 6.522, 3.371)
	submit(t, s, "r1", 6.52, 3.37)
	submit(t, s, "r2", 6.52, 3.37)

	if _, err := s.Assign(context.Background(), "r1", "d1", models.MethodAuto); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Assign(context.Background(), "r2", "d1", models.MethodAuto); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("expected ErrDriverUnavailable, got %v", err)
	}
	if _, err := s.Assign(context.Background(), "r1", "d2", models.MethodManual); !errors.Is(err, ErrRideNotAssignable) {
		t.Fatalf("expected ErrRideNotAssignable, got %v", err)
	}
	if _, err := s.Assign(context.Background(), "missing", "d2", models.MethodManual); !errors.Is(err, rides.ErrUnknownRide) {
		t.Fatalf("expected ErrUnknownRide, got %v", err)
	}
}

func TestCancelReleasesDriver(t *testing.T) {
	s, idx, _ := newTestService(t)
	addDriver(idx, "d1", 6.521, 3.371)
	submit(t, s, "r1", 6.52, 3.37)
	if _, err := s.Assign(context.Background(), "r1", "d1", models.MethodAuto); err != nil {
		t.Fatal(err)
	}

	r, err := s.CancelRide(context.Background(), "r1", "rider changed plans")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.RideCancelled {
		t.Fatalf("ride not cancelled: %s", r.Status)
	}
	d, ok := idx.Get("d1")
	if !ok || d.Status != models.DriverOnline {
		t.Fatalf("driver not released: %+v", d)
	}
	alerts := s.RecentAlerts()
	if len(alerts) != 1 || alerts[0].Kind != models.AlertCancellation {
		t.Fatalf("expected cancellation alert, got %+v", alerts)
	}
}

func TestCompleteReleasesDriver(t *testing.T) {
	s, idx, _ := newTestService(t)
	addDriver(idx, "d1", 6.521, 3.371)
	submit(t, s, "r1", 6.52, 3.37)
	ctx := context.Background()
	if _, err := s.Assign(ctx, "r1", "d1", models.MethodAuto); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkArrived(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartRide(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	r, err := s.CompleteRide(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.RideCompleted {
		t.Fatalf("not completed: %s", r.Status)
	}
	if d, _ := idx.Get("d1"); d.Status != models.DriverOnline {
		t.Fatalf("driver not released after completion: %+v", d)
	}
}

func TestReassign(t *testing.T) {
	s, idx, _ := newTestService(t)
	addDriver(idx, "d1", 6.521, 3.371)
	addDriver(idx, "d2", 6.522, 3.371)
	submit(t, s, "r1", 6.52, 3.37)
	ctx := context.Background()
	if _, err := s.Assign(ctx, "r1", "d1", models.MethodAuto); err != nil {
		t.Fatal(err)
	}

	a, err := s.Reassign(ctx, "r1", "d2")
	if err != nil {
		t.Fatal(err)
	}
	if a.DriverID != "d2" {
		t.Fatalf("wrong driver: %+v", a)
	}
	if d1, _ := idx.Get("d1"); d1.Status != models.DriverOnline {
		t.Fatalf("previous driver not released: %+v", d1)
	}
	if d2, _ := idx.Get("d2"); d2.Status != models.DriverBusy {
		t.Fatalf("new driver not busy: %+v", d2)
	}

	// reassign is illegal once the ride is in progress
	if _, err := s.MarkArrived(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartRide(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reassign(ctx, "r1", "d1"); !errors.Is(err, ErrRideNotAssignable) {
		t.Fatalf("expected ErrRideNotAssignable, got %v", err)
	}
}

func TestBatchAutoAssignOutcomes(t *testing.T) {
	s, idx, _ := newTestService(t)
	// one driver near r1's pickup; nothing within 20km of r2's
	addDriver(idx, "d1", 6.521, 3.371)
	submit(t, s, "r1", 6.52, 3.37)
	submit(t, s, "r2", 10.0, 10.0)
	submit(t, s, "r3", 6.52, 3.37) // will lose the only driver to r1

	results := s.BatchAutoAssign(context.Background(), []string{"r1", "r2", "r3"})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	byRide := map[string]models.AssignmentResult{}
	for _, r := range results {
		byRide[r.RideID] = r
	}
	if byRide["r2"].Outcome != models.OutcomeNoCandidate {
		t.Fatalf("r2: expected no_candidate, got %s", byRide["r2"].Outcome)
	}
	committed := 0
	for _, id := range []string{"r1", "r3"} {
		switch byRide[id].Outcome {
		case models.OutcomeCommitted:
			committed++
		case models.OutcomeUnavailable, models.OutcomeNoCandidate:
		default:
			t.Fatalf("%s: unexpected outcome %s", id, byRide[id].Outcome)
		}
	}
	if committed != 1 {
		t.Fatalf("expected exactly one committed ride for one driver, got %d", committed)
	}
	// unmatched rides remain pending
	if r2, _ := s.GetRide("r2"); r2.Status != models.RidePending {
		t.Fatalf("r2 left %s, want pending", r2.Status)
	}
}

// staleFinder returns a fixed ranked list, modelling candidates that went
// busy between ranking and commit.
type staleFinder struct{ cands []geo.Candidate }

func (f *staleFinder) FindCandidates(models.Ride) []geo.Candidate { return f.cands }

func TestAutoAssignRetriesNextCandidate(t *testing.T) {
	idx := geo.NewMemory(5 * time.Minute)
	addDriver(idx, "d1", 6.5205, 3.37)
	addDriver(idx, "d2", 6.53, 3.37)
	d1, _ := idx.Get("d1")
	d2, _ := idx.Get("d2")
	s := New(Options{
		Index:  idx,
		Engine: &staleFinder{cands: []geo.Candidate{{Driver: d1, DistanceMeters: 50}, {Driver: d2, DistanceMeters: 1200}}},
		Hub:    event.NewHub(),
		Store:  storage.NewMemory(),
	})
	t.Cleanup(s.Close)
	submit(t, s, "r1", 6.52, 3.37)

	// d1 goes busy after ranking: another ride grabs it first
	submit(t, s, "r0", 6.52, 3.37)
	if _, err := s.Assign(context.Background(), "r0", "d1", models.MethodManual); err != nil {
		t.Fatal(err)
	}

	res := s.autoAssignOne(context.Background(), "r1")
	if res.Outcome != models.OutcomeCommitted || res.DriverID != "d2" {
		t.Fatalf("expected fallback commit on d2, got %+v", res)
	}
}

func TestScenarioNearestWinsAndLateManualFails(t *testing.T) {
	s, idx, _ := newTestService(t)
	addDriver(idx, "d1", 6.521, 3.371)
	addDriver(idx, "d2", 6.60, 3.40)
	submit(t, s, "r1", 6.52, 3.37)

	cands := s.engine.FindCandidates(mustRide(t, s, "r1"))
	if len(cands) != 2 || cands[0].Driver.ID != "d1" || cands[1].Driver.ID != "d2" {
		t.Fatalf("expected [d1, d2], got %+v", cands)
	}

	if _, err := s.Assign(context.Background(), "r1", "d1", models.MethodAuto); err != nil {
		t.Fatal(err)
	}
	r, _ := s.GetRide("r1")
	if r.Status != models.RideAccepted {
		t.Fatalf("r1 status %s", r.Status)
	}
	if d, _ := idx.Get("d1"); d.Status != models.DriverBusy {
		t.Fatalf("d1 not busy")
	}
	if _, err := s.Assign(context.Background(), "r1", "d2", models.MethodManual); !errors.Is(err, ErrRideNotAssignable) {
		t.Fatalf("late manual assign: expected ErrRideNotAssignable, got %v", err)
	}
}

func TestDuplicateSubmitKeepsExistingRide(t *testing.T) {
	s, _, _ := newTestService(t)
	first := submit(t, s, "r1", 6.52, 3.37)
	second := submit(t, s, "r1", 1.0, 1.0)
	if second.Pickup != first.Pickup {
		t.Fatalf("duplicate submit replaced ride: %+v", second)
	}
	if len(s.PendingRides()) != 1 {
		t.Fatal("duplicate created a second pending ride")
	}
}

func TestJournalPersistsTransitions(t *testing.T) {
	s, idx, store := newTestService(t)
	addDriver(idx, "d1", 6.521, 3.371)
	submit(t, s, "r1", 6.52, 3.37)
	ctx := context.Background()
	if _, err := s.Assign(ctx, "r1", "d1", models.MethodAuto); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CancelRide(ctx, "r1", "test"); err != nil {
		t.Fatal(err)
	}
	s.Close() // flush journal

	events := store.Transitions("r1")
	want := []string{"submit", "assign", "cancel"}
	if len(events) != len(want) {
		t.Fatalf("transitions %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("transitions %v, want %v", events, want)
		}
	}
	if as := store.Assignments(); len(as) != 1 || as[0].DriverID != "d1" {
		t.Fatalf("assignments %+v", as)
	}
}

func TestSeedFromRoster(t *testing.T) {
	s, idx, store := newTestService(t)
	store.SeedRoster([]models.DriverPresence{
		{ID: "d1", Loc: models.Coord{Lat: 1, Lng: 1}, Rating: 4.8, Class: models.ClassComfort, Status: models.DriverOnline},
	})
	if err := s.SeedFromRoster(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d, ok := idx.Get("d1"); !ok || d.Class != models.ClassComfort {
		t.Fatalf("roster not seeded: %+v", d)
	}
}

func mustRide(t *testing.T, s *Service, id string) models.Ride {
	t.Helper()
	r, ok := s.GetRide(id)
	if !ok {
		t.Fatalf("ride %s missing", id)
	}
	return r
}

func newHubService(t *testing.T) (*Service, *geo.Memory, *event.Hub) {
	t.Helper()
	idx := geo.NewMemory(5 * time.Minute)
	hub := event.NewHub()
	s := New(Options{
		Index:  idx,
		Engine: match.NewEngine(idx, 5000, 20000, 8),
		Hub:    hub,
		Store:  storage.NewMemory(),
	})
	t.Cleanup(s.Close)
	return s, idx, hub
}

func TestCreatedEventPrecedesAssignedUnderRace(t *testing.T) {
	s, idx, hub := newHubService(t)
	addDriver(idx, "d1", 6.521, 3.371)
	sub := hub.Subscribe(32, event.TopicRideCreated, event.TopicRideAssigned)
	defer hub.Unsubscribe(sub)

	// competing committer that grabs the ride the instant it becomes visible
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, err := s.Assign(context.Background(), "r1", "d1", models.MethodManual)
			if err == nil || errors.Is(err, ErrRideNotAssignable) {
				return
			}
		}
	}()
	submit(t, s, "r1", 6.52, 3.37)
	<-done

	first := <-sub.C
	if first.Topic != event.TopicRideCreated {
		t.Fatalf("first event %s, want %s", first.Topic, event.TopicRideCreated)
	}
	second := <-sub.C
	if second.Topic != event.TopicRideAssigned {
		t.Fatalf("second event %s, want %s", second.Topic, event.TopicRideAssigned)
	}
}

func TestFailedAssignBroadcastsOutcome(t *testing.T) {
	s, idx, hub := newHubService(t)
	addDriver(idx, "d1", 6.521, 3.371)
	submit(t, s, "r1", 6.52, 3.37)
	sub := hub.Subscribe(8, event.TopicRideAssigned)
	defer hub.Unsubscribe(sub)
	ctx := context.Background()

	if _, err := s.Assign(ctx, "r1", "ghost", models.MethodManual); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("expected ErrDriverUnavailable, got %v", err)
	}
	if _, err := s.Assign(ctx, "r1", "d1", models.MethodManual); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Assign(ctx, "r1", "d1", models.MethodManual); !errors.Is(err, ErrRideNotAssignable) {
		t.Fatalf("expected ErrRideNotAssignable, got %v", err)
	}

	want := []models.AssignmentOutcome{models.OutcomeUnavailable, models.OutcomeCommitted, models.OutcomeNotAssignable}
	for i, outcome := range want {
		select {
		case ev := <-sub.C:
			res, ok := ev.Payload.(models.AssignmentResult)
			if !ok {
				t.Fatalf("event %d: unexpected payload %T", i, ev.Payload)
			}
			if res.RideID != "r1" || res.Outcome != outcome {
				t.Fatalf("event %d: got %+v, want outcome %s", i, res, outcome)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d (%s) never broadcast", i, outcome)
		}
	}
}

func TestPendingGaugeTracksAssign(t *testing.T) {
	s, idx, _ := newTestService(t)
	addDriver(idx, "d1", 6.521, 3.371)
	submit(t, s, "r1", 6.52, 3.37)
	if got := testutil.ToFloat64(observability.PendingRides); got != 1 {
		t.Fatalf("pending gauge after submit: %f", got)
	}
	if _, err := s.Assign(context.Background(), "r1", "d1", models.MethodAuto); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(observability.PendingRides); got != 0 {
		t.Fatalf("pending gauge after assign: %f", got)
	}
}

func TestGetRideFallsBackToStore(t *testing.T) {
	s, _, store := newTestService(t)
	if err := store.SaveRide(models.Ride{ID: "old1", RiderID: "rider-9", Status: models.RideCompleted}); err != nil {
		t.Fatal(err)
	}
	r, ok := s.GetRide("old1")
	if !ok || r.Status != models.RideCompleted {
		t.Fatalf("stored ride not readable: %+v ok=%v", r, ok)
	}
	if _, ok := s.GetRide("nope"); ok {
		t.Fatal("unknown ride reported found")
	}
}
