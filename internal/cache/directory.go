// Package cache keeps read-mostly parking directory records in Redis.
// Bookings are never cached.
package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"parking-service/internal/availability"
)

// NewRedisClient connects to addr and pings it with a short timeout. It
// returns nil when addr is empty or the server is unreachable, and callers
// degrade to uncached lookups.
func NewRedisClient(ctx context.Context, addr, password string, db int, useTLS bool) *redis.Client {
	if addr == "" {
		return nil
	}
	var tlsConf *tls.Config
	if useTLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  password,
		DB:        db,
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}

// Directory is a read-through cache in front of another Directory. Redis
// failures fall through to the source.
type Directory struct {
	source availability.Directory
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

func NewDirectory(source availability.Directory, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if c, ok := rdb.(*redis.Client); ok && c == nil {
		rdb = nil
	}
	return &Directory{source: source, rdb: rdb, ttl: ttl, prefix: "parking", log: logger}
}

func (d *Directory) key(parkingID string) string { return d.prefix + ":" + parkingID }

func (d *Directory) Parking(ctx context.Context, parkingID string) (availability.Parking, error) {
	if d.rdb == nil {
		return d.source.Parking(ctx, parkingID)
	}

	raw, err := d.rdb.Get(ctx, d.key(parkingID)).Bytes()
	switch {
	case err == nil:
		var p availability.Parking
		if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil {
			return p, nil
		}
		d.log.WarnContext(ctx, "discarding malformed directory cache entry", "parking_id", parkingID)
	case !errors.Is(err, redis.Nil):
		d.log.WarnContext(ctx, "directory cache read failed", "parking_id", parkingID, "error", err)
	}

	p, err := d.source.Parking(ctx, parkingID)
	if err != nil {
		return availability.Parking{}, err
	}
	if b, err := json.Marshal(p); err == nil {
		if err := d.rdb.Set(ctx, d.key(parkingID), b, d.ttl).Err(); err != nil {
			d.log.WarnContext(ctx, "directory cache write failed", "parking_id", parkingID, "error", err)
		}
	}
	return p, nil
}

// Invalidate drops a cached record, e.g. after the owner changed the rate.
func (d *Directory) Invalidate(ctx context.Context, parkingID string) error {
	if d.rdb == nil {
		return nil
	}
	return d.rdb.Del(ctx, d.key(parkingID)).Err()
}
