package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/rexlx/anonboard/identity"
)

// Source is the directory being cached.
type Source interface {
	GetUser(ctx context.Context, id string) (*identity.User, error)
	UpdateMetadata(ctx context.Context, id string, md identity.Metadata) error
}

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a Redis client and checks it answers.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Directory is a read-through cache of user records. Redis failures fall
// back to the source; they never fail a lookup. Concurrent misses for the
// same user share one source call.
type Directory struct {
	next   Source
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
	loads  singleflight.Group
}

func NewDirectory(next Source, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{next: next, client: client, ttl: ttl, log: logger}
}

func userKey(id string) string {
	return "user:" + id
}

func (d *Directory) GetUser(ctx context.Context, id string) (*identity.User, error) {
	data, err := d.client.Get(ctx, userKey(id)).Bytes()
	switch {
	case err == nil:
		var user identity.User
		if err := user.UnmarshalBinary(data); err == nil {
			return &user, nil
		}
		d.log.Warn("dropping undecodable cache entry", slog.String("user_id", id))
	case !errors.Is(err, redis.Nil):
		d.log.Warn("cache read failed", slog.String("user_id", id), slog.Any("error", err))
	}

	v, err, _ := d.loads.Do(id, func() (interface{}, error) {
		user, err := d.next.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := d.client.Set(ctx, userKey(id), user, d.ttl).Err(); err != nil {
			d.log.Warn("cache write failed", slog.String("user_id", id), slog.Any("error", err))
		}
		return user, nil
	})
	if err != nil {
		return nil, err
	}
	// Each caller gets its own copy.
	user := *v.(*identity.User)
	user.Metadata.Subscriptions = slices.Clone(user.Metadata.Subscriptions)
	return &user, nil
}

// UpdateMetadata writes through and evicts the cached record. Once the
// source has the update a failed eviction is only logged.
func (d *Directory) UpdateMetadata(ctx context.Context, id string, md identity.Metadata) error {
	if err := d.next.UpdateMetadata(ctx, id, md); err != nil {
		return err
	}
	if err := d.Invalidate(ctx, id); err != nil {
		d.log.Warn("cache invalidation failed", slog.String("user_id", id), slog.Any("error", err))
	}
	return nil
}

func (d *Directory) Invalidate(ctx context.Context, id string) error {
	return d.client.Del(ctx, userKey(id)).Err()
}
