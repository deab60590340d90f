package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/rescue-dispatch/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the schema; every statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context, schema string) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) SaveTrip(ctx context.Context, t *models.Trip) error {
	req, err := json.Marshal(t.Request)
	if err != nil {
		return err
	}
	price, err := json.Marshal(t.Price)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO trips(id, rider_id, request, mode, primary_driver_id, chase_driver_id, price, payment_intent_id, status, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.RiderID, req, string(t.Mode), t.PrimaryDriverID, nullable(t.ChaseDriverID), price, nullable(t.PaymentIntentID), string(t.Status), t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) TransitionTrip(ctx context.Context, id string, from, to models.TripStatus, at time.Time) (*models.Trip, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`,
		string(to), at, id, string(from))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	t, err := p.GetTrip(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrStatusChanged
	}
	return t, nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	var (
		t                     models.Trip
		req, price            []byte
		mode, status          string
		chaseID, paymentIntID sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, rider_id, request, mode, primary_driver_id, chase_driver_id, price, payment_intent_id, status, created_at, updated_at FROM trips WHERE id=$1`, id).
		Scan(&t.ID, &t.RiderID, &req, &mode, &t.PrimaryDriverID, &chaseID, &price, &paymentIntID, &status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(req, &t.Request); err != nil {
		return nil, fmt.Errorf("decode trip request: %w", err)
	}
	if len(price) > 0 {
		if err := json.Unmarshal(price, &t.Price); err != nil {
			return nil, fmt.Errorf("decode trip price: %w", err)
		}
	}
	t.Mode = models.DispatchMode(mode)
	t.Status = models.TripStatus(status)
	t.ChaseDriverID = chaseID.String
	t.PaymentIntentID = paymentIntID.String
	return &t, nil
}

// Reserve inserts one row per driver in a single transaction. The primary key
// on driver_id keeps a driver bound to at most one trip; rows this trip already
// holds are left alone so a retry is harmless.
func (p *PostgresStore) Reserve(ctx context.Context, tripID string, driverIDs []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range driverIDs {
		res, err := tx.ExecContext(ctx, `INSERT INTO driver_assignments(driver_id, trip_id, assigned_at) VALUES($1,$2,$3) ON CONFLICT (driver_id) DO NOTHING`, id, tripID, time.Now())
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return &DriverAssignedError{DriverID: id}
			}
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 1 {
			continue
		}
		var holder string
		if err := tx.QueryRowContext(ctx, `SELECT trip_id FROM driver_assignments WHERE driver_id=$1`, id).Scan(&holder); err != nil {
			return fmt.Errorf("lookup assignment for %s: %w", id, err)
		}
		if holder != tripID {
			return &DriverAssignedError{DriverID: id, TripID: holder}
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Release(ctx context.Context, tripID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `DELETE FROM driver_assignments WHERE trip_id=$1 RETURNING driver_id`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var freed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		freed = append(freed, id)
	}
	return freed, rows.Err()
}

func (p *PostgresStore) Held(ctx context.Context, driverIDs []string) (map[string]string, error) {
	held := make(map[string]string)
	if len(driverIDs) == 0 {
		return held, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id, trip_id FROM driver_assignments WHERE driver_id = ANY($1)`, pq.Array(driverIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var driverID, tripID string
		if err := rows.Scan(&driverID, &tripID); err != nil {
			return nil, err
		}
		held[driverID] = tripID
	}
	return held, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
