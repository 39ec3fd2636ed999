package mitigate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is what enforcement points read for a mitigated host.
type Record struct {
	Reason string `json:"reason"`
	Since  int64  `json:"since"`
}

// Actuator realizes mitigation for a host. Implementations are best-effort:
// a failed call is reported, never retried.
type Actuator interface {
	Start(ctx context.Context, hostID string) error
	Stop(ctx context.Context, hostID string) error
}

// RedisActuator marks mitigated hosts in Redis so external enforcement
// points (hypervisor agents, schedulers) can act on them. Keys live until
// the matching stop; there is no TTL because mitigation is explicitly
// revoked by the detector.
type RedisActuator struct{ rdb *redis.Client }

func NewRedisActuator(rdb *redis.Client) *RedisActuator { return &RedisActuator{rdb: rdb} }

func keyMitigated(hostID string) string { return "cg:mitigated:" + hostID }

func (a *RedisActuator) Start(ctx context.Context, hostID string) error {
	rec := Record{Reason: "coresidency_probe", Since: time.Now().Unix()}
	j, _ := json.Marshal(rec)
	return a.rdb.Set(ctx, keyMitigated(hostID), j, 0).Err()
}

func (a *RedisActuator) Stop(ctx context.Context, hostID string) error {
	return a.rdb.Del(ctx, keyMitigated(hostID)).Err()
}

// Reset clears every mitigation key. Called at boot: detector state does not
// survive restarts, so leftover marks from a previous run are stale.
func (a *RedisActuator) Reset(ctx context.Context) (int, error) {
	removed := 0
	var cursor uint64
	for {
		keys, next, err := a.rdb.Scan(ctx, cursor, "cg:mitigated:*", 1000).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			if err := a.rdb.Del(ctx, keys...).Err(); err != nil {
				return removed, err
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}
