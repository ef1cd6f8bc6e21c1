package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fleet-monitor/cleaning/internal/domain"
	"fleet-monitor/cleaning/internal/logging"
)

type RedisStore struct {
	client  *redis.Client
	fleetID string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	FleetID  string
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, opts.FleetID), nil
}

func NewRedisStoreFromClient(client *redis.Client, fleetID string) *RedisStore {
	return &RedisStore{client: client, fleetID: fleetID}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func AlertsChannel(fleetID string) string { return fmt.Sprintf("fleet:%s:alerts", fleetID) }
func EventsChannel(fleetID string) string { return fmt.Sprintf("fleet:%s:events", fleetID) }

const (
	AlertsChannelPattern = "fleet:*:alerts"
	EventsChannelPattern = "fleet:*:events"
)

func vehicleStateKey(vehicleID string) string { return fmt.Sprintf("vehicle:%s:cleaning", vehicleID) }
func dirtySetKey(fleetID string) string       { return fmt.Sprintf("fleet:%s:dirty", fleetID) }

// Envelope is the shape broadcast to dashboards over pub/sub.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// UpdateVehicleState records the vehicle's latest verdict, keeps the fleet's
// dirty-vehicle set current and publishes event.created, in one pipeline.
func (r *RedisStore) UpdateVehicleState(ctx context.Context, ev *domain.CleaningEvent) error {
	stateData := map[string]any{
		"vehicle_id": ev.VehicleID,
		"fleet_id":   r.fleetID,
		"event_id":   ev.ID,
		"verdict":    string(ev.Verdict),
		"origin":     string(ev.Origin),
		"issues":     len(ev.Issues),
		"updated_at": ev.CreatedAt.Unix(),
	}
	if ev.Confidence != nil {
		stateData["confidence"] = strconv.FormatFloat(*ev.Confidence, 'f', 4, 64)
	}

	pubPayload, err := json.Marshal(Envelope{Type: "event.created", Data: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := r.client.Pipeline()

	pipe.HSet(ctx, vehicleStateKey(ev.VehicleID), stateData)
	if ev.Verdict == domain.VerdictDirty {
		pipe.ZAdd(ctx, dirtySetKey(r.fleetID), redis.Z{
			Score:  float64(ev.CreatedAt.Unix()),
			Member: ev.VehicleID,
		})
	} else if ev.Verdict == domain.VerdictClean {
		pipe.ZRem(ctx, dirtySetKey(r.fleetID), ev.VehicleID)
	}
	pipe.Publish(ctx, EventsChannel(r.fleetID), pubPayload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (r *RedisStore) VehicleState(ctx context.Context, vehicleID string) (map[string]string, error) {
	state, err := r.client.HGetAll(ctx, vehicleStateKey(vehicleID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis vehicle state failed: %w", err)
	}
	if len(state) == 0 {
		return nil, ErrNotFound
	}
	return state, nil
}

// DirtyVehicles lists vehicles whose latest verdict was dirty, most recent first.
func (r *RedisStore) DirtyVehicles(ctx context.Context) ([]string, error) {
	ids, err := r.client.ZRevRange(ctx, dirtySetKey(r.fleetID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis dirty set failed: %w", err)
	}
	return ids, nil
}

// GetAPIKey returns the inspector or device bound to apiKey, or "" when the
// key is unknown.
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("cleaning:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

func (r *RedisStore) SetAPIKey(ctx context.Context, apiKey, subject string) error {
	return r.client.Set(ctx, fmt.Sprintf("cleaning:auth:%s", apiKey), subject, 0).Err()
}

func (r *RedisStore) PublishAlert(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, AlertsChannel(r.fleetID), payload).Err()
}

// Subscribe pattern-subscribes to the alert and event channels of every fleet.
func (r *RedisStore) Subscribe(ctx context.Context) *redis.PubSub {
	return r.client.PSubscribe(ctx, AlertsChannelPattern, EventsChannelPattern)
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// VehicleLocker serializes work per vehicle across ingestion replicas with a
// SET NX lock. The token makes release safe after the TTL has expired.
type VehicleLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
	logger *slog.Logger
}

func NewVehicleLocker(r *RedisStore, ttl, wait time.Duration, logger *slog.Logger) *VehicleLocker {
	return newVehicleLocker(r.client, ttl, wait, logger)
}

func newVehicleLocker(client *redis.Client, ttl, wait time.Duration, logger *slog.Logger) *VehicleLocker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &VehicleLocker{client: client, ttl: ttl, wait: wait, retry: 25 * time.Millisecond, logger: logger}
}

// Lock blocks until the lock is held, wait elapses or ctx is done.
func (l *VehicleLocker) Lock(ctx context.Context, vehicleID string) (func(), error) {
	key := fmt.Sprintf("lock:vehicle:%s", vehicleID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("vehicle lock: %w", err)
		}
		if ok {
			return l.unlockFunc(key, token), nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, vehicleID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// unlockFunc releases key only while it still holds token. A failed release
// leaves the key in place until its TTL expires.
func (l *VehicleLocker) unlockFunc(key, token string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		released, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		switch {
		case err != nil:
			l.logger.Error("vehicle lock release failed, held until ttl",
				slog.String("key", key),
				slog.Duration("ttl", l.ttl),
				slog.String("error", err.Error()),
			)
		case released == 0:
			l.logger.Warn("vehicle lock expired before release",
				slog.String("key", key),
				slog.Duration("ttl", l.ttl),
			)
		}
	}
}
