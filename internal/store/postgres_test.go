package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-service/internal/availability"
)

func TestPgErrorClassification(t *testing.T) {
	exclusion := fmt.Errorf("insert booking: %w", &pgconn.PgError{Code: "23P01", ConstraintName: "bookings_no_overlap"})
	assert.True(t, isExclusionViolation(exclusion))
	assert.False(t, isNotFound(exclusion))

	badUUID := &pgconn.PgError{Code: "22P02"}
	assert.True(t, isNotFound(badUUID))
	assert.True(t, isNotFound(fmt.Errorf("select: %w", pgx.ErrNoRows)))

	assert.False(t, isNotFound(errors.New("boom")))
	assert.False(t, isNotFound(nil))
	assert.Equal(t, "", pgCode(errors.New("boom")))
}

type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("scan: want %d columns, got %d", len(r), len(dest))
	}
	for i, v := range r {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *int64:
			*d = v.(int64)
		case *bool:
			*d = v.(bool)
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v != nil {
				t := v.(time.Time)
				*d = &t
			}
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func TestScanRuleParsesTimeColumns(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r, err := scanRule(fakeRow{"r1", "p1", 5, "08:30:00", "24:00:00", true, now, now, nil})
	require.NoError(t, err)
	assert.Equal(t, availability.ClockTime(8*60+30), r.Open)
	assert.Equal(t, availability.EndOfDay, r.Close)
	assert.False(t, r.DeletedAt.Valid)
	assert.True(t, r.Active())

	deleted, err := scanRule(fakeRow{"r1", "p1", 5, "08:30:00", "12:00:00", true, now, now, now})
	require.NoError(t, err)
	assert.True(t, deleted.DeletedAt.Valid)
	assert.False(t, deleted.Active())

	_, err = scanRule(fakeRow{"r1", "p1", 5, "8am", "12:00:00", true, now, now, nil})
	assert.Error(t, err)
}

func TestScanBookingStatus(t *testing.T) {
	start := time.Date(2030, 1, 7, 9, 0, 0, 0, time.UTC)
	b, err := scanBooking(fakeRow{"b1", "p1", "u1", start, start.Add(time.Hour), "confirmed", int64(400), start, start})
	require.NoError(t, err)
	assert.Equal(t, availability.StatusConfirmed, b.Status)
	assert.Equal(t, time.Hour, b.Interval.Duration())
}
