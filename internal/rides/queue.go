package rides

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrUnknownRide = errors.New("unknown ride")

// InvalidTransitionError reports a lifecycle event that is not legal from the
// ride's current status.
type InvalidTransitionError struct {
	RideID string
	From   models.RideStatus
	Event  Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("ride %s: cannot %s from %s", e.RideID, e.Event, e.From)
}

// Event is a ride lifecycle trigger.
type Event string

const (
	EventAssign   Event = "assign"
	EventArrive   Event = "arrive"
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

// transitions is the legal lifecycle table. cancel is handled separately: it
// is legal from any non-terminal status.
var transitions = map[models.RideStatus]map[Event]models.RideStatus{
	models.RidePending:    {EventAssign: models.RideAccepted},
	models.RideAccepted:   {EventArrive: models.RideArrived},
	models.RideArrived:    {EventStart: models.RideInProgress},
	models.RideInProgress: {EventComplete: models.RideCompleted},
}

// Queue tracks every live ride and owns the pending-assignment backlog.
// It knows nothing about drivers; releasing a cancelled ride's driver is the
// dispatch service's job.
type Queue struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
	now   func() time.Time
}

func NewQueue() *Queue {
	return &Queue{rides: make(map[string]*models.Ride), now: time.Now}
}

// Submit enqueues a ride as pending. Resubmitting a known rideId is a no-op
// (false return) so network retries stay harmless.
func (q *Queue) Submit(r models.Ride) (models.Ride, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.rides[r.ID]; ok {
		return *existing, false
	}
	r.Status = models.RidePending
	r.Assignment = nil
	if r.RequestedAt.IsZero() {
		r.RequestedAt = q.now()
	}
	r.UpdatedAt = q.now()
	cp := r
	q.rides[r.ID] = &cp
	return r, true
}

// Transition applies a lifecycle event and returns the updated ride.
func (q *Queue) Transition(rideID string, ev Event) (models.Ride, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.rides[rideID]
	if !ok {
		return models.Ride{}, ErrUnknownRide
	}
	next, err := nextStatus(r, ev)
	if err != nil {
		return models.Ride{}, err
	}
	r.Status = next
	r.UpdatedAt = q.now()
	return *r, nil
}

func nextStatus(r *models.Ride, ev Event) (models.RideStatus, error) {
	if ev == EventCancel {
		if r.Status.Terminal() {
			return "", &InvalidTransitionError{RideID: r.ID, From: r.Status, Event: ev}
		}
		return models.RideCancelled, nil
	}
	if next, ok := transitions[r.Status][ev]; ok {
		return next, nil
	}
	return "", &InvalidTransitionError{RideID: r.ID, From: r.Status, Event: ev}
}

// SetAssignment records the committed assignment on the ride, or clears it
// when a is nil. Caller holds the coordinator's per-ride lock.
func (q *Queue) SetAssignment(rideID string, a *models.Assignment) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.rides[rideID]
	if !ok {
		return ErrUnknownRide
	}
	r.Assignment = a
	r.UpdatedAt = q.now()
	return nil
}

func (q *Queue) Get(rideID string) (models.Ride, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.rides[rideID]
	if !ok {
		return models.Ride{}, false
	}
	return *r, true
}

// Pending returns the pending backlog, oldest request first, for the
// auto-assign sweep. Manual assignment may target any of them directly.
func (q *Queue) Pending() []models.Ride {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range q.rides {
		if r.Status == models.RidePending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Active snapshots every non-terminal ride for dashboards joining late.
func (q *Queue) Active() []models.Ride {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range q.rides {
		if !r.Status.Terminal() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
