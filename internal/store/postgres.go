// Package store persists parkings, weekly rules, unavailability windows and
// bookings. Column naming lives here only; callers see availability records.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/guregu/null.v4"

	"parking-service/internal/availability"
	"parking-service/internal/interval"
)

//go:embed schema.sql
var schema string

const (
	pgExclusionViolation = "23P01"
	pgInvalidText        = "22P02"
)

type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, log: logger}
}

// Migrate applies the embedded schema. It is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Parking(ctx context.Context, parkingID string) (availability.Parking, error) {
	q := `SELECT id::text, owner_id, timezone, hourly_rate_cents FROM parkings WHERE id=$1`
	var out availability.Parking
	err := p.pool.QueryRow(ctx, q, parkingID).Scan(&out.ID, &out.OwnerID, &out.Timezone, &out.HourlyRateCents)
	if isNotFound(err) {
		return availability.Parking{}, availability.ErrParkingNotFound
	}
	if err != nil {
		return availability.Parking{}, fmt.Errorf("select parking: %w", err)
	}
	return out, nil
}

func (p *Postgres) CreateParking(ctx context.Context, in availability.Parking) (availability.Parking, error) {
	if in.Timezone == "" {
		in.Timezone = "UTC"
	}
	if _, err := in.Location(); err != nil {
		return availability.Parking{}, err
	}
	q := `INSERT INTO parkings (owner_id, timezone, hourly_rate_cents) VALUES ($1,$2,$3)
	      RETURNING id::text, owner_id, timezone, hourly_rate_cents`
	var out availability.Parking
	err := p.pool.QueryRow(ctx, q, in.OwnerID, in.Timezone, in.HourlyRateCents).
		Scan(&out.ID, &out.OwnerID, &out.Timezone, &out.HourlyRateCents)
	if err != nil {
		return availability.Parking{}, fmt.Errorf("insert parking: %w", err)
	}
	return out, nil
}

// UpdateParking changes the timezone and rate; the owner is immutable.
func (p *Postgres) UpdateParking(ctx context.Context, in availability.Parking) (availability.Parking, error) {
	if _, err := in.Location(); err != nil {
		return availability.Parking{}, err
	}
	q := `UPDATE parkings SET timezone=$2, hourly_rate_cents=$3 WHERE id=$1
	      RETURNING id::text, owner_id, timezone, hourly_rate_cents`
	var out availability.Parking
	err := p.pool.QueryRow(ctx, q, in.ID, in.Timezone, in.HourlyRateCents).
		Scan(&out.ID, &out.OwnerID, &out.Timezone, &out.HourlyRateCents)
	if isNotFound(err) {
		return availability.Parking{}, availability.ErrParkingNotFound
	}
	if err != nil {
		return availability.Parking{}, fmt.Errorf("update parking: %w", err)
	}
	return out, nil
}

const ruleColumns = `id::text, parking_id::text, day_of_week, open_time::text, close_time::text, enabled, created_at, updated_at, deleted_at`

func (p *Postgres) WeeklyRules(ctx context.Context, parkingID string) ([]availability.WeeklyRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM availability_rules
	      WHERE parking_id=$1 AND deleted_at IS NULL ORDER BY day_of_week, open_time`
	rows, err := p.pool.Query(ctx, q, parkingID)
	if err != nil {
		if isInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("select rules: %w", err)
	}
	defer rows.Close()

	var out []availability.WeeklyRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	warnIfClosed(p.log, parkingID, out)
	return out, nil
}

func (p *Postgres) CreateRule(ctx context.Context, r availability.WeeklyRule) (availability.WeeklyRule, error) {
	if err := r.Validate(); err != nil {
		return availability.WeeklyRule{}, err
	}
	q := `INSERT INTO availability_rules (parking_id, day_of_week, open_time, close_time, enabled)
	      VALUES ($1,$2,$3,$4,$5) RETURNING ` + ruleColumns
	row := p.pool.QueryRow(ctx, q, r.ParkingID, r.DayOfWeek, r.Open.String(), r.Close.String(), r.Enabled)
	created, err := scanRule(row)
	if err != nil {
		return availability.WeeklyRule{}, fmt.Errorf("insert rule: %w", err)
	}
	return created, nil
}

func (p *Postgres) UpdateRule(ctx context.Context, r availability.WeeklyRule) (availability.WeeklyRule, error) {
	if err := r.Validate(); err != nil {
		return availability.WeeklyRule{}, err
	}
	q := `UPDATE availability_rules
	      SET day_of_week=$1, open_time=$2, close_time=$3, enabled=$4, updated_at=now()
	      WHERE id=$5 AND parking_id=$6 AND deleted_at IS NULL
	      RETURNING ` + ruleColumns
	row := p.pool.QueryRow(ctx, q, r.DayOfWeek, r.Open.String(), r.Close.String(), r.Enabled, r.ID, r.ParkingID)
	updated, err := scanRule(row)
	if isNotFound(err) {
		return availability.WeeklyRule{}, availability.ErrRuleNotFound
	}
	if err != nil {
		return availability.WeeklyRule{}, fmt.Errorf("update rule: %w", err)
	}
	return updated, nil
}

func (p *Postgres) DeleteRule(ctx context.Context, parkingID, ruleID string) error {
	q := `UPDATE availability_rules SET deleted_at=now(), updated_at=now()
	      WHERE id=$1 AND parking_id=$2 AND deleted_at IS NULL`
	res, err := p.pool.Exec(ctx, q, ruleID, parkingID)
	if isInvalidText(err) {
		return availability.ErrRuleNotFound
	}
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if res.RowsAffected() == 0 {
		return availability.ErrRuleNotFound
	}
	return nil
}

const windowColumns = `id::text, parking_id::text, start_at, end_at, reason, source, created_at, deleted_at`

func (p *Postgres) UnavailabilityWindows(ctx context.Context, parkingID string, window interval.Interval) ([]availability.UnavailabilityWindow, error) {
	q := `SELECT ` + windowColumns + ` FROM unavailability_windows
	      WHERE parking_id=$1 AND deleted_at IS NULL AND start_at < $3 AND end_at > $2
	      ORDER BY start_at`
	rows, err := p.pool.Query(ctx, q, parkingID, window.Start.UTC(), window.End.UTC())
	if err != nil {
		if isInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("select unavailability: %w", err)
	}
	defer rows.Close()

	var out []availability.UnavailabilityWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unavailability: %w", err)
	}
	return out, nil
}

func (p *Postgres) CreateWindow(ctx context.Context, w availability.UnavailabilityWindow) (availability.UnavailabilityWindow, error) {
	if w.Source == "" {
		w.Source = availability.SourceManual
	}
	if err := w.Validate(); err != nil {
		return availability.UnavailabilityWindow{}, err
	}
	q := `INSERT INTO unavailability_windows (parking_id, start_at, end_at, reason, source)
	      VALUES ($1,$2,$3,$4,$5) RETURNING ` + windowColumns
	created, err := scanWindow(p.pool.QueryRow(ctx, q,
		w.ParkingID, w.Interval.Start.UTC(), w.Interval.End.UTC(), w.Reason, w.Source))
	if err != nil {
		return availability.UnavailabilityWindow{}, fmt.Errorf("insert unavailability: %w", err)
	}
	return created, nil
}

func (p *Postgres) DeleteWindow(ctx context.Context, parkingID, windowID string) error {
	q := `UPDATE unavailability_windows SET deleted_at=now()
	      WHERE id=$1 AND parking_id=$2 AND deleted_at IS NULL`
	res, err := p.pool.Exec(ctx, q, windowID, parkingID)
	if isInvalidText(err) {
		return availability.ErrWindowNotFound
	}
	if err != nil {
		return fmt.Errorf("delete unavailability: %w", err)
	}
	if res.RowsAffected() == 0 {
		return availability.ErrWindowNotFound
	}
	return nil
}

const bookingColumns = `id::text, parking_id::text, user_id, start_at, end_at, status, total_price_cents, created_at, updated_at`

func (p *Postgres) ActiveBookings(ctx context.Context, parkingID string, window interval.Interval) ([]availability.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings
	      WHERE parking_id=$1 AND status IN ('pending','confirmed') AND start_at < $3 AND end_at > $2
	      ORDER BY start_at`
	return p.queryBookings(ctx, q, parkingID, window.Start.UTC(), window.End.UTC())
}

// Bookings lists every booking of a parking, optionally limited to window.
func (p *Postgres) Bookings(ctx context.Context, parkingID string, window *interval.Interval) ([]availability.Booking, error) {
	if window == nil {
		q := `SELECT ` + bookingColumns + ` FROM bookings WHERE parking_id=$1 ORDER BY start_at`
		return p.queryBookings(ctx, q, parkingID)
	}
	q := `SELECT ` + bookingColumns + ` FROM bookings
	      WHERE parking_id=$1 AND start_at < $3 AND end_at > $2 ORDER BY start_at`
	return p.queryBookings(ctx, q, parkingID, window.Start.UTC(), window.End.UTC())
}

func (p *Postgres) Booking(ctx context.Context, bookingID string) (availability.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE id=$1`
	b, err := scanBooking(p.pool.QueryRow(ctx, q, bookingID))
	if isNotFound(err) {
		return availability.Booking{}, availability.ErrBookingNotFound
	}
	if err != nil {
		return availability.Booking{}, fmt.Errorf("select booking: %w", err)
	}
	return b, nil
}

// InsertIfFree checks and inserts inside one transaction holding the
// parking's advisory lock. The exclusion constraint backs it up.
func (p *Postgres) InsertIfFree(ctx context.Context, b availability.Booking) (availability.Booking, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return availability.Booking{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockParking(ctx, tx, b.ParkingID); err != nil {
		return availability.Booking{}, err
	}
	if id, err := firstOverlap(ctx, tx, b.ParkingID, b.Interval, ""); err != nil {
		return availability.Booking{}, err
	} else if id != "" {
		return availability.Booking{}, &availability.ConflictError{BookingID: id}
	}

	q := `INSERT INTO bookings (parking_id, user_id, start_at, end_at, status, total_price_cents)
	      VALUES ($1,$2,$3,$4,$5,$6) RETURNING ` + bookingColumns
	created, err := scanBooking(tx.QueryRow(ctx, q,
		b.ParkingID, b.UserID, b.Interval.Start.UTC(), b.Interval.End.UTC(), string(b.Status), b.TotalPriceCents))
	if err != nil {
		if isExclusionViolation(err) {
			return availability.Booking{}, &availability.ConflictError{}
		}
		return availability.Booking{}, fmt.Errorf("insert booking: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isExclusionViolation(err) {
			return availability.Booking{}, &availability.ConflictError{}
		}
		return availability.Booking{}, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

func (p *Postgres) MoveIfFree(ctx context.Context, bookingID string, iv interval.Interval, priceCents int64) (availability.Booking, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return availability.Booking{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var parkingID, status string
	err = tx.QueryRow(ctx, `SELECT parking_id::text, status FROM bookings WHERE id=$1`, bookingID).Scan(&parkingID, &status)
	if isNotFound(err) {
		return availability.Booking{}, availability.ErrBookingNotFound
	}
	if err != nil {
		return availability.Booking{}, fmt.Errorf("select booking: %w", err)
	}
	if err := lockParking(ctx, tx, parkingID); err != nil {
		return availability.Booking{}, err
	}
	if id, err := firstOverlap(ctx, tx, parkingID, iv, bookingID); err != nil {
		return availability.Booking{}, err
	} else if id != "" {
		return availability.Booking{}, &availability.ConflictError{BookingID: id}
	}

	q := `UPDATE bookings SET start_at=$2, end_at=$3, total_price_cents=$4, updated_at=now()
	      WHERE id=$1 AND status IN ('pending','confirmed') RETURNING ` + bookingColumns
	moved, err := scanBooking(tx.QueryRow(ctx, q, bookingID, iv.Start.UTC(), iv.End.UTC(), priceCents))
	if isNotFound(err) {
		return availability.Booking{}, fmt.Errorf("%w: booking is %s", availability.ErrInvalidTransition, status)
	}
	if err != nil {
		if isExclusionViolation(err) {
			return availability.Booking{}, &availability.ConflictError{}
		}
		return availability.Booking{}, fmt.Errorf("move booking: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return availability.Booking{}, fmt.Errorf("commit: %w", err)
	}
	return moved, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, bookingID string, from, to availability.Status) (availability.Booking, error) {
	q := `UPDATE bookings SET status=$3, updated_at=now() WHERE id=$1 AND status=$2 RETURNING ` + bookingColumns
	b, err := scanBooking(p.pool.QueryRow(ctx, q, bookingID, string(from), string(to)))
	if isNotFound(err) {
		if _, lookupErr := p.Booking(ctx, bookingID); lookupErr != nil {
			return availability.Booking{}, lookupErr
		}
		return availability.Booking{}, availability.ErrInvalidTransition
	}
	if err != nil {
		if isExclusionViolation(err) {
			return availability.Booking{}, &availability.ConflictError{}
		}
		return availability.Booking{}, fmt.Errorf("update booking status: %w", err)
	}
	return b, nil
}

func (p *Postgres) queryBookings(ctx context.Context, q string, args ...any) ([]availability.Booking, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		if isInvalidText(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("select bookings: %w", err)
	}
	defer rows.Close()

	var out []availability.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookings: %w", err)
	}
	return out, nil
}

func lockParking(ctx context.Context, tx pgx.Tx, parkingID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, parkingID); err != nil {
		return fmt.Errorf("lock parking: %w", err)
	}
	return nil
}

func firstOverlap(ctx context.Context, tx pgx.Tx, parkingID string, iv interval.Interval, exclude string) (string, error) {
	q := `SELECT id::text FROM bookings
	      WHERE parking_id=$1 AND status IN ('pending','confirmed')
	        AND start_at < $3 AND end_at > $2 AND id::text <> $4
	      ORDER BY start_at LIMIT 1 FOR UPDATE`
	var id string
	err := tx.QueryRow(ctx, q, parkingID, iv.Start.UTC(), iv.End.UTC(), exclude).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check overlap: %w", err)
	}
	return id, nil
}

func scanRule(row pgx.Row) (availability.WeeklyRule, error) {
	var (
		r                 availability.WeeklyRule
		openStr, closeStr string
		deletedAt         *time.Time
	)
	if err := row.Scan(&r.ID, &r.ParkingID, &r.DayOfWeek, &openStr, &closeStr, &r.Enabled, &r.CreatedAt, &r.UpdatedAt, &deletedAt); err != nil {
		return availability.WeeklyRule{}, err
	}
	var err error
	if r.Open, err = availability.ParseClock(openStr); err != nil {
		return availability.WeeklyRule{}, err
	}
	if r.Close, err = availability.ParseClock(closeStr); err != nil {
		return availability.WeeklyRule{}, err
	}
	r.DeletedAt = null.TimeFromPtr(deletedAt)
	return r, nil
}

func scanWindow(row pgx.Row) (availability.UnavailabilityWindow, error) {
	var (
		w         availability.UnavailabilityWindow
		deletedAt *time.Time
	)
	if err := row.Scan(&w.ID, &w.ParkingID, &w.Interval.Start, &w.Interval.End, &w.Reason, &w.Source, &w.CreatedAt, &deletedAt); err != nil {
		return availability.UnavailabilityWindow{}, err
	}
	w.DeletedAt = null.TimeFromPtr(deletedAt)
	return w, nil
}

func scanBooking(row pgx.Row) (availability.Booking, error) {
	var (
		b      availability.Booking
		status string
	)
	if err := row.Scan(&b.ID, &b.ParkingID, &b.UserID, &b.Interval.Start, &b.Interval.End, &status, &b.TotalPriceCents, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return availability.Booking{}, err
	}
	b.Status = availability.Status(status)
	return b, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isExclusionViolation(err error) bool { return pgCode(err) == pgExclusionViolation }

func isInvalidText(err error) bool { return err != nil && pgCode(err) == pgInvalidText }

// isNotFound treats malformed ids like missing rows.
func isNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || isInvalidText(err)
}
