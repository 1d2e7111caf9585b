package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DriverStatus is the dispatch-side availability of a driver.
type DriverStatus string

const (
	DriverOnline  DriverStatus = "online"
	DriverBusy    DriverStatus = "busy"
	DriverOffline DriverStatus = "offline"
)

// RideClass orders service tiers; a higher class may serve a lower request.
type RideClass string

const (
	ClassEconomy RideClass = "economy"
	ClassComfort RideClass = "comfort"
	ClassPremium RideClass = "premium"
)

func (c RideClass) rank() int {
	switch c {
	case ClassEconomy:
		return 1
	case ClassComfort:
		return 2
	case ClassPremium:
		return 3
	}
	return 0
}

// Satisfies reports whether a vehicle of class c can serve a request of class want.
func (c RideClass) Satisfies(want RideClass) bool {
	return c.rank() >= want.rank() && want.rank() > 0
}

// DriverPresence is the live record held by the location index.
type DriverPresence struct {
	ID      string       `json:"driver_id"`
	Loc     Coord        `json:"loc"`
	Rating  float64      `json:"rating"` // 0..5
	Class   RideClass    `json:"class"`
	Status  DriverStatus `json:"status"`
	Updated time.Time    `json:"updated"`
}

type RideStatus string

const (
	RidePending    RideStatus = "pending"
	RideAccepted   RideStatus = "accepted"
	RideArrived    RideStatus = "arrived"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further lifecycle event is legal.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

type AssignMethod string

const (
	MethodAuto   AssignMethod = "auto"
	MethodManual AssignMethod = "manual"
)

// Assignment binds a driver to a ride. Immutable once committed; a reassign
// supersedes it with a fresh record after the previous driver is released.
type Assignment struct {
	RideID      string       `json:"ride_id"`
	DriverID    string       `json:"driver_id"`
	Method      AssignMethod `json:"method"`
	CommittedAt time.Time    `json:"committed_at"`
}

type Ride struct {
	ID          string      `json:"ride_id"`
	RiderID     string      `json:"rider_id"`
	Pickup      Coord       `json:"pickup"`
	Dropoff     Coord       `json:"dropoff"`
	Class       RideClass   `json:"ride_class"`
	Status      RideStatus  `json:"status"`
	Assignment  *Assignment `json:"assignment,omitempty"`
	RequestedAt time.Time   `json:"requested_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type AlertKind string

const (
	AlertCancellation AlertKind = "cancellation"
	AlertEmergency    AlertKind = "emergency"
)

// Alert is a read-only observational record, never mutated after creation.
type Alert struct {
	RideID   string    `json:"ride_id"`
	Kind     AlertKind `json:"kind"`
	Reason   string    `json:"reason"`
	RaisedAt time.Time `json:"raised_at"`
}

// LocationUpdate is the wire payload for a driver position ping.
type LocationUpdate struct {
	DriverID    string    `json:"driver_id"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	TimestampMs int64     `json:"timestamp_ms"`
	Rating      float64   `json:"rating,omitempty"`
	Class       RideClass `json:"class,omitempty"`
	Offline     bool      `json:"offline,omitempty"`
}

// AssignmentOutcome labels the result of one assignment attempt.
type AssignmentOutcome string

const (
	OutcomeCommitted     AssignmentOutcome = "committed"
	OutcomeUnavailable   AssignmentOutcome = "unavailable"
	OutcomeNotAssignable AssignmentOutcome = "not_assignable"
	OutcomeNoCandidate   AssignmentOutcome = "no_candidate"
)

// AssignmentResult is the wire payload reporting one assignment attempt.
type AssignmentResult struct {
	RideID   string            `json:"ride_id"`
	DriverID string            `json:"driver_id,omitempty"`
	Method   AssignMethod      `json:"method"`
	Outcome  AssignmentOutcome `json:"outcome"`
}

// RideRequest is the inbound shape for submitting a ride.
type RideRequest struct {
	RideID  string    `json:"ride_id,omitempty"`
	RiderID string    `json:"rider_id"`
	Pickup  Coord     `json:"pickup"`
	Dropoff Coord     `json:"dropoff"`
	Class   RideClass `json:"ride_class"`
}
