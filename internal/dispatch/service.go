package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/event"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

// CandidateFinder is the slice of the matching engine the coordinator needs.
type CandidateFinder interface {
	FindCandidates(ride models.Ride) []geo.Candidate
}

// Options wires the service's collaborators. Index, Engine, Hub and Store are
// required; Payments and Logger may be nil.
type Options struct {
	Index         geo.Index
	Engine        CandidateFinder
	Hub           *event.Hub
	Store         storage.Store
	Payments      payments.Settlement
	Logger        *slog.Logger
	SweepInterval time.Duration
}

// Service is the dispatch core: it owns driver presence and assignment state
// for the lifetime of the process and is the single serialization point for
// competing assignment attempts. One instance per process, passed by reference
// to whatever hosts the API and event layers.
type Service struct {
	queue  *rides.Queue
	index  geo.Index
	engine CandidateFinder
	hub    *event.Hub
	store  storage.Store
	pay    payments.Settlement
	logger *slog.Logger

	sweepInterval time.Duration
	locks         *keyedMutex
	now           func() time.Time

	journal chan journalEntry
	kick    chan struct{} // nudges the run loop after a submit
	holds   sync.Map      // rideID -> payment hold id

	alertMu sync.Mutex
	alerts  []models.Alert

	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

type journalEntry struct {
	ride       models.Ride
	event      string
	assignment *models.Assignment
	at         time.Time
}

func New(o Options) *Service {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 15 * time.Second
	}
	s := &Service{
		queue:         rides.NewQueue(),
		index:         o.Index,
		engine:        o.Engine,
		hub:           o.Hub,
		store:         o.Store,
		pay:           o.Payments,
		logger:        o.Logger,
		sweepInterval: o.SweepInterval,
		locks:         newKeyedMutex(),
		now:           time.Now,
		journal:       make(chan journalEntry, 256),
		kick:          make(chan struct{}, 1),
	}
	s.wg.Add(1)
	go s.journalWorker()
	return s
}

// SeedFromRoster populates the location index from the persistence
// collaborator, used at startup and on reconnect.
func (s *Service) SeedFromRoster(ctx context.Context) error {
	roster, err := s.store.LoadDriverRoster("")
	if err != nil {
		return err
	}
	for _, d := range roster {
		s.index.Upsert(d)
	}
	s.logger.Info("seeded location index", "drivers", len(roster))
	return nil
}

// Run drives the periodic auto-assign sweep and stale-entry purge until ctx is
// cancelled. The sweep is abortable at ride boundaries only; a commit in
// flight always finishes.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-ticker.C:
		}
		start := s.now()
		results := s.Sweep(ctx)
		observability.SweepDuration.Observe(time.Since(start).Seconds())
		if purger, ok := s.index.(interface{ PurgeStale(time.Time) int }); ok {
			purger.PurgeStale(s.now())
		}
		s.refreshGauges()
		if len(results) > 0 {
			s.logger.Debug("sweep complete", "attempted", len(results))
		}
	}
}

// Close flushes the persistence journal. Call after Run has returned.
func (s *Service) Close() {
	s.closeMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.journal)
	}
	s.closeMu.Unlock()
	s.wg.Wait()
}

// SubmitRide enqueues a pending ride. A duplicate rideId is a no-op returning
// the existing ride, so network retries are harmless. Submission nudges the
// run loop so a sweep starts promptly instead of waiting out the ticker.
func (s *Service) SubmitRide(ctx context.Context, req models.RideRequest) (models.Ride, error) {
	id := req.RideID
	if id == "" {
		id = uuid.NewString()
	}
	class := req.Class
	if class == "" {
		class = models.ClassEconomy
	}
	// held through the publish so ride.created always precedes ride.assigned:
	// a sweep cannot commit the ride until this critical section ends
	s.locks.lock("ride:" + id)
	defer s.locks.unlock("ride:" + id)
	r, created := s.queue.Submit(models.Ride{
		ID:      id,
		RiderID: req.RiderID,
		Pickup:  req.Pickup,
		Dropoff: req.Dropoff,
		Class:   class,
	})
	if !created {
		return r, nil
	}
	s.refreshGauges()
	s.hub.Publish(event.TopicRideCreated, r)
	s.persist(r, "submit", nil)
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return r, nil
}

// Assign is the correctness-critical commit: ride must be pending and driver
// online at the same instant, checked and committed under the ride and driver
// keyed locks so no competing attempt can interleave. First commit wins.
// Every attempt against a known ride, committed or failed, is broadcast on
// ride.assigned so dashboards see failed manual picks too.
func (s *Service) Assign(ctx context.Context, rideID, driverID string, method models.AssignMethod) (models.Assignment, error) {
	s.locks.lock("ride:" + rideID)
	defer s.locks.unlock("ride:" + rideID)
	s.locks.lock("driver:" + driverID)
	defer s.locks.unlock("driver:" + driverID)

	r, ok := s.queue.Get(rideID)
	if !ok {
		observability.AssignmentsTotal.WithLabelValues(string(method), string(models.OutcomeNotAssignable)).Inc()
		return models.Assignment{}, rides.ErrUnknownRide
	}
	if r.Status != models.RidePending {
		observability.AssignmentsTotal.WithLabelValues(string(method), string(models.OutcomeNotAssignable)).Inc()
		s.hub.Publish(event.TopicRideAssigned, models.AssignmentResult{
			RideID: rideID, DriverID: driverID, Method: method, Outcome: models.OutcomeNotAssignable,
		})
		return models.Assignment{}, ErrRideNotAssignable
	}
	d, ok := s.index.Get(driverID)
	if !ok || d.Status != models.DriverOnline {
		observability.AssignmentsTotal.WithLabelValues(string(method), string(models.OutcomeUnavailable)).Inc()
		s.hub.Publish(event.TopicRideAssigned, models.AssignmentResult{
			RideID: rideID, DriverID: driverID, Method: method, Outcome: models.OutcomeUnavailable,
		})
		return models.Assignment{}, ErrDriverUnavailable
	}

	a := models.Assignment{RideID: rideID, DriverID: driverID, Method: method, CommittedAt: s.now()}
	r, err := s.queue.Transition(rideID, rides.EventAssign)
	if err != nil {
		// unreachable while we hold the ride lock, but fail closed
		return models.Assignment{}, ErrRideNotAssignable
	}
	_ = s.queue.SetAssignment(rideID, &a)
	r.Assignment = &a
	s.index.SetStatus(driverID, models.DriverBusy)

	observability.AssignmentsTotal.WithLabelValues(string(method), string(models.OutcomeCommitted)).Inc()
	s.refreshGauges()
	// published under the ride lock so observers see assigned before any
	// later transition of the same ride
	s.hub.Publish(event.TopicRideAssigned, models.AssignmentResult{
		RideID: rideID, DriverID: driverID, Method: method, Outcome: models.OutcomeCommitted,
	})
	s.hub.Publish(event.TopicRideStatusChanged, r)
	s.persist(r, string(rides.EventAssign), &a)
	s.holdFare(r)
	s.logger.Info("assignment committed", "ride_id", rideID, "driver_id", driverID, "method", method)
	return a, nil
}

// Reassign swaps the driver on a ride that is accepted or arrived. The
// previous driver goes back online before the new commit; the new Assignment
// record supersedes the old one.
func (s *Service) Reassign(ctx context.Context, rideID, newDriverID string) (models.Assignment, error) {
	s.locks.lock("ride:" + rideID)
	defer s.locks.unlock("ride:" + rideID)
	s.locks.lock("driver:" + newDriverID)
	defer s.locks.unlock("driver:" + newDriverID)

	r, ok := s.queue.Get(rideID)
	if !ok {
		return models.Assignment{}, rides.ErrUnknownRide
	}
	if r.Status != models.RideAccepted && r.Status != models.RideArrived {
		s.hub.Publish(event.TopicRideAssigned, models.AssignmentResult{
			RideID: rideID, DriverID: newDriverID, Method: models.MethodManual, Outcome: models.OutcomeNotAssignable,
		})
		return models.Assignment{}, ErrRideNotAssignable
	}
	d, ok := s.index.Get(newDriverID)
	if !ok || d.Status != models.DriverOnline {
		observability.AssignmentsTotal.WithLabelValues(string(models.MethodManual), string(models.OutcomeUnavailable)).Inc()
		s.hub.Publish(event.TopicRideAssigned, models.AssignmentResult{
			RideID: rideID, DriverID: newDriverID, Method: models.MethodManual, Outcome: models.OutcomeUnavailable,
		})
		return models.Assignment{}, ErrDriverUnavailable
	}
	if prev := r.Assignment; prev != nil {
		s.index.SetStatus(prev.DriverID, models.DriverOnline)
	}

	a := models.Assignment{RideID: rideID, DriverID: newDriverID, Method: models.MethodManual, CommittedAt: s.now()}
	_ = s.queue.SetAssignment(rideID, &a)
	r.Assignment = &a
	s.index.SetStatus(newDriverID, models.DriverBusy)

	observability.AssignmentsTotal.WithLabelValues(string(models.MethodManual), string(models.OutcomeCommitted)).Inc()
	s.hub.Publish(event.TopicRideAssigned, models.AssignmentResult{
		RideID: rideID, DriverID: newDriverID, Method: models.MethodManual, Outcome: models.OutcomeCommitted,
	})
	s.persist(r, "reassign", &a)
	s.logger.Info("ride reassigned", "ride_id", rideID, "driver_id", newDriverID)
	return a, nil
}

// BatchAutoAssign attempts every listed ride independently, one goroutine per
// ride, and reports a per-ride outcome. One stuck ride never stalls the rest;
// cancellation stops launching new attempts but never interrupts a commit.
func (s *Service) BatchAutoAssign(ctx context.Context, rideIDs []string) []models.AssignmentResult {
	results := make([]models.AssignmentResult, len(rideIDs))
	var wg sync.WaitGroup
	for i, id := range rideIDs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = s.autoAssignOne(ctx, id)
		}(i, id)
	}
	wg.Wait()
	out := make([]models.AssignmentResult, 0, len(rideIDs))
	for _, r := range results {
		if r.RideID == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Sweep runs BatchAutoAssign over the whole pending backlog, oldest first.
func (s *Service) Sweep(ctx context.Context) []models.AssignmentResult {
	pending := s.queue.Pending()
	ids := make([]string, len(pending))
	for i, r := range pending {
		ids[i] = r.ID
	}
	return s.BatchAutoAssign(ctx, ids)
}

// autoAssignOne walks the ranked candidate list for one ride: an unavailable
// driver means try the next candidate, a non-pending ride means someone else
// already handled it, an empty list leaves the ride pending for a later sweep.
// Outcomes not already announced by Assign are published here.
func (s *Service) autoAssignOne(ctx context.Context, rideID string) models.AssignmentResult {
	res := models.AssignmentResult{RideID: rideID, Method: models.MethodAuto}
	r, ok := s.queue.Get(rideID)
	if !ok || r.Status != models.RidePending {
		res.Outcome = models.OutcomeNotAssignable
		s.hub.Publish(event.TopicRideAssigned, res)
		return res
	}
	cands := s.engine.FindCandidates(r)
	if len(cands) == 0 {
		observability.AssignmentsTotal.WithLabelValues(string(models.MethodAuto), string(models.OutcomeNoCandidate)).Inc()
		res.Outcome = models.OutcomeNoCandidate
		s.hub.Publish(event.TopicRideAssigned, res)
		return res
	}
	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		a, err := s.Assign(ctx, rideID, c.Driver.ID, models.MethodAuto)
		if err == nil {
			res.DriverID = a.DriverID
			res.Outcome = models.OutcomeCommitted
			return res
		}
		if errors.Is(err, ErrRideNotAssignable) || errors.Is(err, rides.ErrUnknownRide) {
			res.Outcome = models.OutcomeNotAssignable
			return res
		}
		// driver gone between ranking and commit: next candidate
	}
	res.Outcome = models.OutcomeUnavailable
	return res
}

// CancelRide cancels from any non-terminal status. A bound driver goes back
// online in the same logical operation, and the cancellation is surfaced as an
// alert when an assignment had been committed.
func (s *Service) CancelRide(ctx context.Context, rideID, reason string) (models.Ride, error) {
	s.locks.lock("ride:" + rideID)
	defer s.locks.unlock("ride:" + rideID)

	before, _ := s.queue.Get(rideID)
	r, err := s.queue.Transition(rideID, rides.EventCancel)
	if err != nil {
		return models.Ride{}, err
	}
	if a := before.Assignment; a != nil {
		s.index.SetStatus(a.DriverID, models.DriverOnline)
	}
	s.refreshGauges()
	s.hub.Publish(event.TopicRideStatusChanged, r)
	if before.Assignment != nil {
		s.raiseAlert(models.Alert{RideID: rideID, Kind: models.AlertCancellation, Reason: reason, RaisedAt: s.now()})
	}
	s.persist(r, string(rides.EventCancel), nil)
	s.releaseFare(rideID)
	s.logger.Info("ride cancelled", "ride_id", rideID, "reason", reason)
	return r, nil
}

// MarkArrived records the driver reaching the pickup point.
func (s *Service) MarkArrived(ctx context.Context, rideID string) (models.Ride, error) {
	return s.transition(rideID, rides.EventArrive)
}

// StartRide moves an arrived ride into progress.
func (s *Service) StartRide(ctx context.Context, rideID string) (models.Ride, error) {
	return s.transition(rideID, rides.EventStart)
}

// CompleteRide finishes the ride, frees the driver and captures the fare hold.
func (s *Service) CompleteRide(ctx context.Context, rideID string) (models.Ride, error) {
	s.locks.lock("ride:" + rideID)
	defer s.locks.unlock("ride:" + rideID)

	r, err := s.queue.Transition(rideID, rides.EventComplete)
	if err != nil {
		return models.Ride{}, err
	}
	if a := r.Assignment; a != nil {
		s.index.SetStatus(a.DriverID, models.DriverOnline)
	}
	s.refreshGauges()
	s.hub.Publish(event.TopicRideStatusChanged, r)
	s.persist(r, string(rides.EventComplete), nil)
	s.captureFare(rideID)
	s.logger.Info("ride completed", "ride_id", rideID)
	return r, nil
}

func (s *Service) transition(rideID string, ev rides.Event) (models.Ride, error) {
	s.locks.lock("ride:" + rideID)
	defer s.locks.unlock("ride:" + rideID)

	r, err := s.queue.Transition(rideID, ev)
	if err != nil {
		return models.Ride{}, err
	}
	s.hub.Publish(event.TopicRideStatusChanged, r)
	s.persist(r, string(ev), nil)
	return r, nil
}

// HandleLocation applies a driver position ping to the index and broadcasts
// the driver's full current presence.
func (s *Service) HandleLocation(u models.LocationUpdate) {
	if u.Offline {
		s.SetDriverOffline(u.DriverID)
		return
	}
	p := models.DriverPresence{
		ID:     u.DriverID,
		Loc:    models.Coord{Lat: u.Lat, Lng: u.Lng},
		Rating: u.Rating,
		Class:  u.Class,
	}
	s.index.Upsert(p)
	if cur, ok := s.index.Get(u.DriverID); ok {
		p = cur
	}
	s.hub.Publish(event.TopicDriverLocation, p)
}

// SetDriverOffline is the explicit offline signal; idempotent.
func (s *Service) SetDriverOffline(driverID string) {
	s.index.Remove(driverID)
	s.hub.Publish(event.TopicDriverLocation, models.DriverPresence{ID: driverID, Status: models.DriverOffline})
}

// RaiseAlert records and broadcasts an observational alert (e.g. emergency).
func (s *Service) RaiseAlert(rideID string, kind models.AlertKind, reason string) models.Alert {
	a := models.Alert{RideID: rideID, Kind: kind, Reason: reason, RaisedAt: s.now()}
	s.raiseAlert(a)
	return a
}

func (s *Service) raiseAlert(a models.Alert) {
	s.alertMu.Lock()
	s.alerts = append(s.alerts, a)
	if len(s.alerts) > 256 {
		s.alerts = s.alerts[len(s.alerts)-256:]
	}
	s.alertMu.Unlock()
	observability.AlertsRaised.Inc()
	s.hub.Publish(event.TopicAlertRaised, a)
}

// Snapshot queries for dashboards on load/reconnect and polling fallbacks.

func (s *Service) PendingRides() []models.Ride { return s.queue.Pending() }

func (s *Service) ActiveRides() []models.Ride { return s.queue.Active() }

func (s *Service) OnlineDrivers() []models.DriverPresence { return s.index.Online() }

// GetRide reads the live ride, falling back to the durable store so rides
// journaled by an earlier process stay queryable.
func (s *Service) GetRide(rideID string) (models.Ride, bool) {
	if r, ok := s.queue.Get(rideID); ok {
		return r, true
	}
	if r, err := s.store.LoadRide(rideID); err == nil {
		return r, true
	}
	return models.Ride{}, false
}

func (s *Service) RecentAlerts() []models.Alert {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	return append([]models.Alert(nil), s.alerts...)
}

func (s *Service) refreshGauges() {
	observability.PendingRides.Set(float64(len(s.queue.Pending())))
	observability.DriversOnline.Set(float64(len(s.index.Online())))
}

// persist hands a committed transition to the journal worker. The live commit
// already happened; a full journal only costs us the durable copy, so we drop
// rather than block the critical path.
func (s *Service) persist(r models.Ride, ev string, a *models.Assignment) {
	entry := journalEntry{ride: r, event: ev, assignment: a, at: s.now()}
	select {
	case s.journal <- entry:
	default:
		s.logger.Warn("persistence journal full, dropping entry", "ride_id", r.ID, "event", ev)
	}
}

func (s *Service) journalWorker() {
	defer s.wg.Done()
	for entry := range s.journal {
		if entry.assignment != nil {
			if err := s.store.SaveAssignment(*entry.assignment); err != nil {
				s.logger.Error("persist assignment failed", "ride_id", entry.ride.ID, "error", err)
			}
		}
		if err := s.store.SaveTransition(entry.ride, entry.event, entry.at); err != nil {
			s.logger.Error("persist transition failed", "ride_id", entry.ride.ID, "event", entry.event, "error", err)
		}
	}
}

// Payment hold lifecycle: best-effort, never on the commit path.

func (s *Service) holdFare(r models.Ride) {
	if s.pay == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		id, err := s.pay.Hold(ctx, payments.EstimateFare(r), "usd", r.RiderID)
		if err != nil {
			s.logger.Error("fare hold failed", "ride_id", r.ID, "error", err)
			return
		}
		s.holds.Store(r.ID, id)
	}()
}

func (s *Service) captureFare(rideID string) {
	s.settleFare(rideID, "capture")
}

func (s *Service) releaseFare(rideID string) {
	s.settleFare(rideID, "cancel")
}

func (s *Service) settleFare(rideID, op string) {
	if s.pay == nil {
		return
	}
	v, ok := s.holds.LoadAndDelete(rideID)
	if !ok {
		return
	}
	holdID := v.(string)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		if op == "capture" {
			err = s.pay.Capture(ctx, holdID)
		} else {
			err = s.pay.Cancel(ctx, holdID)
		}
		if err != nil {
			s.logger.Error("fare settlement failed", "ride_id", rideID, "op", op, "error", err)
		}
	}()
}
