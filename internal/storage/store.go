package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store is the durable-record collaborator. It is written after each committed
// in-memory transition; a failure here never rolls the live state back.
type Store interface {
	SaveRide(r models.Ride) error
	SaveTransition(r models.Ride, event string, at time.Time) error
	SaveAssignment(a models.Assignment) error
	LoadRide(rideID string) (models.Ride, error)
	LoadDriverRoster(class models.RideClass) ([]models.DriverPresence, error)
}

// Memory keeps everything in maps; used by tests and local runs without PG_DSN.
type Memory struct {
	mu          sync.RWMutex
	rides       map[string]models.Ride
	transitions map[string][]string
	assignments []models.Assignment
	roster      []models.DriverPresence
}

func NewMemory() *Memory {
	return &Memory{
		rides:       make(map[string]models.Ride),
		transitions: make(map[string][]string),
	}
}

func (m *Memory) SaveRide(r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r
	return nil
}

func (m *Memory) SaveTransition(r models.Ride, event string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r
	m.transitions[r.ID] = append(m.transitions[r.ID], event)
	return nil
}

func (m *Memory) SaveAssignment(a models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments = append(m.assignments, a)
	return nil
}

func (m *Memory) LoadRide(rideID string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[rideID]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return r, nil
}

// SeedRoster installs the drivers LoadDriverRoster will return; used to model
// the startup population path in tests and local runs.
func (m *Memory) SeedRoster(drivers []models.DriverPresence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roster = append([]models.DriverPresence(nil), drivers...)
}

func (m *Memory) LoadDriverRoster(class models.RideClass) ([]models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DriverPresence, 0, len(m.roster))
	for _, d := range m.roster {
		if class != "" && !d.Class.Satisfies(class) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Transitions returns the journal for a ride, oldest first.
func (m *Memory) Transitions(rideID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.transitions[rideID]...)
}

// Assignments returns every committed assignment in commit order.
func (m *Memory) Assignments() []models.Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Assignment(nil), m.assignments...)
}
