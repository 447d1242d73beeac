package flush

import (
	"context"
	"fmt"

	rdb "github.com/redis/go-redis/v9"
)

// Redis publica la invalidación en un canal pub/sub. Los verifiers suscritos
// tiran su cache al recibir el issuer.
type Redis struct {
	c       *rdb.Client
	channel string
}

func NewRedis(addr string, db int, channel string) *Redis {
	if channel == "" {
		channel = "keywarden:jwks:invalidate"
	}
	return &Redis{
		c:       rdb.NewClient(&rdb.Options{Addr: addr, DB: db}),
		channel: channel,
	}
}

func (r *Redis) Flush(ctx context.Context, issuer string) error {
	if err := r.c.Publish(ctx, r.channel, issuer).Err(); err != nil {
		return fmt.Errorf("publish invalidate: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.c.Close() }
