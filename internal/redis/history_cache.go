package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"medchat/internal/models"
)

const (
	defaultHistoryTTL = 30 * time.Minute
	// the generation only has to outlive the slowest history read
	historyGenTTL = 24 * time.Hour
)

// storeIfCurrent writes KEYS[1] only while the generation in KEYS[2] still
// equals ARGV[1]. A missing generation counts as 0.
const storeIfCurrent = `
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`

// bumpGeneration drops KEYS[1] and moves the generation in KEYS[2] forward,
// so stores that read the old generation are refused.
const bumpGeneration = `
local gen = redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
return gen
`

// HistoryCache keeps a JSON copy of each user's full message history next to
// a generation counter that every invalidation bumps.
type HistoryCache struct {
	client *Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewHistoryCache(client *Client, ttl time.Duration, logger *slog.Logger) *HistoryCache {
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryCache{client: client, ttl: ttl, logger: logger}
}

func historyKey(userID int64) string {
	return fmt.Sprintf("chat:history:%d", userID)
}

func historyGenKey(userID int64) string {
	return fmt.Sprintf("chat:history:gen:%d", userID)
}

func (h *HistoryCache) usable(userID int64) bool {
	return h != nil && h.client != nil && userID > 0
}

// Load returns the cached history; ok is false on a miss or any failure.
func (h *HistoryCache) Load(ctx context.Context, userID int64) ([]models.Message, bool) {
	if !h.usable(userID) {
		return nil, false
	}
	raw, err := h.client.Get(ctx, historyKey(userID))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			h.logger.Warn("history cache load failed", "user_id", userID, "err", err)
		}
		return nil, false
	}
	var msgs []models.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		h.logger.Warn("history cache decode failed", "user_id", userID, "err", err)
		return nil, false
	}
	for _, m := range msgs {
		if m.UserID != userID {
			return nil, false
		}
	}
	return msgs, true
}

// Version reads the user's current generation. ok is false when redis could
// not be asked, in which case the caller should not store.
func (h *HistoryCache) Version(ctx context.Context, userID int64) (int64, bool) {
	if !h.usable(userID) {
		return 0, false
	}
	raw, err := h.client.Get(ctx, historyGenKey(userID))
	if errors.Is(err, ErrCacheMiss) {
		return 0, true
	}
	if err != nil {
		h.logger.Warn("history cache version failed", "user_id", userID, "err", err)
		return 0, false
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// Store caches msgs unless the generation moved past version.
func (h *HistoryCache) Store(ctx context.Context, userID int64, version int64, msgs []models.Message) {
	if !h.usable(userID) {
		return
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		h.logger.Warn("history cache marshal failed", "user_id", userID, "err", err)
		return
	}
	keys := []string{historyKey(userID), historyGenKey(userID)}
	stored, err := h.client.Eval(ctx, storeIfCurrent, keys, strconv.FormatInt(version, 10), string(data), h.ttl.Milliseconds())
	if err != nil {
		h.logger.Warn("history cache store failed", "user_id", userID, "err", err)
		return
	}
	if n, _ := stored.(int64); n == 0 {
		h.logger.Debug("history cache store skipped, history changed", "user_id", userID, "version", version)
	}
}

func (h *HistoryCache) Invalidate(ctx context.Context, userID int64) {
	if !h.usable(userID) {
		return
	}
	keys := []string{historyKey(userID), historyGenKey(userID)}
	if _, err := h.client.Eval(ctx, bumpGeneration, keys, historyGenTTL.Milliseconds()); err != nil {
		h.logger.Warn("history cache invalidate failed", "user_id", userID, "err", err)
	}
}
