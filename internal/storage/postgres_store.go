package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveRide(r models.Ride) error {
	_, err := p.db.Exec(`INSERT INTO rides(id, rider_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, ride_class, status, requested_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng, r.Class, r.Status, r.RequestedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) SaveTransition(r models.Ride, event string, at time.Time) error {
	if err := p.SaveRide(r); err != nil {
		return err
	}
	_, err := p.db.Exec(`INSERT INTO ride_transitions(ride_id, event, status, at) VALUES($1,$2,$3,$4)`,
		r.ID, event, r.Status, at)
	return err
}

func (p *PostgresStore) SaveAssignment(a models.Assignment) error {
	_, err := p.db.Exec(`INSERT INTO assignments(ride_id, driver_id, method, committed_at) VALUES($1,$2,$3,$4)`,
		a.RideID, a.DriverID, a.Method, a.CommittedAt)
	return err
}

func (p *PostgresStore) LoadRide(rideID string) (models.Ride, error) {
	var r models.Ride
	err := p.db.QueryRow(`SELECT id, rider_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, ride_class, status, requested_at, updated_at FROM rides WHERE id=$1`, rideID).
		Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Lat, &r.Dropoff.Lng, &r.Class, &r.Status, &r.RequestedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrNotFound
	}
	if err != nil {
		return models.Ride{}, err
	}
	return r, nil
}

// LoadDriverRoster fetches the last known presence of every available driver,
// used to seed the location index at startup and on reconnect.
func (p *PostgresStore) LoadDriverRoster(class models.RideClass) ([]models.DriverPresence, error) {
	rows, err := p.db.Query(`SELECT id, last_lat, last_lng, rating, vehicle_class FROM drivers WHERE approved = true AND available = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DriverPresence
	for rows.Next() {
		var d models.DriverPresence
		if err := rows.Scan(&d.ID, &d.Loc.Lat, &d.Loc.Lng, &d.Rating, &d.Class); err != nil {
			return nil, err
		}
		if class != "" && !d.Class.Satisfies(class) {
			continue
		}
		d.Status = models.DriverOnline
		out = append(out, d)
	}
	return out, rows.Err()
}
