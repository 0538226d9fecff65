package redis

import (
	"context"
	"encoding/json"
	"time"

	"homehub/internal/models"

	"github.com/redis/go-redis/v9"
)

// deviceStateTTL bounds how long a mirrored snapshot outlives its last update.
const deviceStateTTL = time.Hour

const clapSettingKey = "clap:setting"

// NewRedisClient creates a Redis client
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// StateKey is the cache key for a device's live state mirror.
func StateKey(deviceID string) string {
	return "device:" + deviceID
}

// MirrorDeviceState caches a device's runtime snapshot for other consumers
// (UI polling, rule debugging). Best effort.
func MirrorDeviceState(ctx context.Context, client *redis.Client, deviceID string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return client.Set(ctx, StateKey(deviceID), raw, deviceStateTTL).Err()
}

// SaveClapSetting stores the clap-trigger singleton. Last write wins.
func SaveClapSetting(ctx context.Context, client *redis.Client, setting models.ClapSetting) error {
	raw, err := json.Marshal(setting)
	if err != nil {
		return err
	}
	return client.Set(ctx, clapSettingKey, raw, 0).Err()
}

// LoadClapSetting reads the clap-trigger singleton. Returns (zero, false, nil)
// when no setting has ever been stored.
func LoadClapSetting(ctx context.Context, client *redis.Client) (models.ClapSetting, bool, error) {
	var setting models.ClapSetting
	raw, err := client.Get(ctx, clapSettingKey).Bytes()
	if err == redis.Nil {
		return setting, false, nil
	}
	if err != nil {
		return setting, false, err
	}
	if err := json.Unmarshal(raw, &setting); err != nil {
		return setting, false, err
	}
	return setting, true, nil
}
