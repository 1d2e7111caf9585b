package match

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	DefaultInitialRadiusMeters = 5000
	DefaultMaxRadiusMeters     = 20000

	// ratingBandMeters is the distance band within which a higher rating
	// outranks a slightly closer driver.
	ratingBandMeters = 100
)

// Nearby is the slice of the location index the engine needs.
type Nearby interface {
	Nearby(origin models.Coord, radiusMeters float64, limit int) []geo.Candidate
}

// Engine ranks eligible drivers for a ride. Purely advisory: it never mutates
// state, and an empty result is a normal outcome.
type Engine struct {
	Geo            Nearby
	InitialRadiusM float64
	MaxRadiusM     float64
	MaxCandidates  int
}

func NewEngine(g Nearby, initialRadiusM, maxRadiusM float64, maxCandidates int) *Engine {
	if initialRadiusM <= 0 {
		initialRadiusM = DefaultInitialRadiusMeters
	}
	if maxRadiusM < initialRadiusM {
		maxRadiusM = DefaultMaxRadiusMeters
	}
	if maxCandidates <= 0 {
		maxCandidates = 8
	}
	return &Engine{Geo: g, InitialRadiusM: initialRadiusM, MaxRadiusM: maxRadiusM, MaxCandidates: maxCandidates}
}

// FindCandidates queries the index at the initial radius and doubles it until
// the candidate target is met or the hard ceiling is hit, so a single nearby
// driver does not hide a viable fallback one ring out. Ranking: 100 m distance
// band ascending, rating descending within a band, then exact distance, then
// driver id, so results are deterministic under equal inputs.
func (e *Engine) FindCandidates(ride models.Ride) []geo.Candidate {
	radius := e.InitialRadiusM
	var cands []geo.Candidate
	for {
		cands = e.eligible(ride, radius)
		if len(cands) >= e.MaxCandidates || radius >= e.MaxRadiusM {
			break
		}
		radius *= 2
		if radius > e.MaxRadiusM {
			radius = e.MaxRadiusM
		}
	}
	rank(cands)
	if len(cands) > e.MaxCandidates {
		cands = cands[:e.MaxCandidates]
	}
	return cands
}

func (e *Engine) eligible(ride models.Ride, radiusM float64) []geo.Candidate {
	// over-fetch before the class filter so a ring of ineligible vehicles
	// cannot mask an eligible one further out
	raw := e.Geo.Nearby(ride.Pickup, radiusM, 0)
	out := make([]geo.Candidate, 0, len(raw))
	for _, c := range raw {
		if !c.Driver.Class.Satisfies(ride.Class) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func rank(cands []geo.Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		bi := math.Floor(cands[i].DistanceMeters / ratingBandMeters)
		bj := math.Floor(cands[j].DistanceMeters / ratingBandMeters)
		if bi != bj {
			return bi < bj
		}
		if cands[i].Driver.Rating != cands[j].Driver.Rating {
			return cands[i].Driver.Rating > cands[j].Driver.Rating
		}
		if cands[i].DistanceMeters != cands[j].DistanceMeters {
			return cands[i].DistanceMeters < cands[j].DistanceMeters
		}
		return cands[i].Driver.ID < cands[j].Driver.ID
	})
}
