package projectlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX with a TTL, so a crashed holder cannot
// block a project for longer than the TTL.
type Redis struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewRedis creates a Redis Locker.
func NewRedis(client *redis.Client, ttl, retryInterval time.Duration, logger *zap.Logger) *Redis {
	if retryInterval <= 0 {
		retryInterval = 50 * time.Millisecond
	}
	return &Redis{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		logger:        logger.Named("projectlock"),
	}
}

var _ Locker = (*Redis)(nil)

func key(projectID uuid.UUID) string {
	return "assay:lock:project:" + projectID.String()
}

func (r *Redis) Lock(ctx context.Context, projectID uuid.UUID) (func(), error) {
	k := key(projectID)
	token := uuid.NewString()

	ticker := time.NewTicker(r.retryInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire project lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// release must not be cut short by a cancelled request context
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		n, err := releaseScript.Run(relCtx, r.client, []string{k}, token).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Error("Failed to release project lock",
				zap.String("project_id", projectID.String()),
				zap.Error(err))
			return
		}
		if n == 0 {
			r.logger.Warn("Project lock expired before release",
				zap.String("project_id", projectID.String()))
		}
	}, nil
}
