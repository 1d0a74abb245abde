package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/opserve/errlog/pkg/models"
	"github.com/redis/go-redis/v9"
)

const recentIndexKey = "errlog:recent"

// RedisStore implements the Store interface as a document store on Redis.
//
// Each record is a hash: the immutable capture payload lives in the "doc"
// field as JSON, while the fields the contract mutates (duplicate count,
// last seen, deletion time, protection flag) are scalar hash fields. The
// duplicate increment is a server-side Lua script, so the find-and-bump is
// one atomic Redis command even across processes; it never has to decode
// the JSON document.
//
// Two indexes: errlog:recent is a ZSET of all GUIDs scored by last-seen
// time, and each (application, fingerprint) pair has a ZSET of candidate
// GUIDs with the same scoring.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore from a Redis URL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func recKey(guid uuid.UUID) string {
	return "errlog:rec:" + guid.String()
}

func fpKey(applicationName string, fingerprint int64) string {
	return fmt.Sprintf("errlog:fp:%s:%d", applicationName, fingerprint)
}

func (s *RedisStore) Insert(ctx context.Context, rec *models.ErrorRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}

	fields := map[string]any{
		"doc":             string(doc),
		"application":     rec.ApplicationName,
		"duplicate_count": rec.DuplicateCount,
		"last_seen_at":    rec.LastSeenAt.UTC().Format(time.RFC3339Nano),
		"protected":       boolField(rec.IsProtected),
		"deleted_at":      "",
	}
	if rec.Fingerprint != nil {
		fields["fingerprint"] = strconv.FormatInt(*rec.Fingerprint, 10)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, recKey(rec.GUID), fields)
	pipe.ZAdd(ctx, recentIndexKey, redis.Z{
		Score:  float64(rec.LastSeenAt.UnixMilli()),
		Member: rec.GUID.String(),
	})
	if rec.Fingerprint != nil {
		pipe.ZAdd(ctx, fpKey(rec.ApplicationName, *rec.Fingerprint), redis.Z{
			Score:  float64(rec.LastSeenAt.UnixMilli()),
			Member: rec.GUID.String(),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// incrementDuplicateScript walks the per-(application, fingerprint) index
// newest first and bumps the first live, unprotected candidate inside the
// window. KEYS[1] is the fingerprint index, KEYS[2] the recency index.
// ARGV: window start (ms), now (ms), now (RFC3339Nano).
var incrementDuplicateScript = redis.NewScript(`
local guids = redis.call('ZREVRANGEBYSCORE', KEYS[1], '+inf', ARGV[1])
for _, guid in ipairs(guids) do
  local key = 'errlog:rec:' .. guid
  if redis.call('EXISTS', key) == 1 then
    if redis.call('HGET', key, 'deleted_at') == '' and redis.call('HGET', key, 'protected') ~= '1' then
      redis.call('HINCRBY', key, 'duplicate_count', 1)
      redis.call('HSET', key, 'last_seen_at', ARGV[3])
      redis.call('ZADD', KEYS[1], ARGV[2], guid)
      redis.call('ZADD', KEYS[2], ARGV[2], guid)
      return guid
    end
  else
    redis.call('ZREM', KEYS[1], guid)
  end
end
return false
`)

func (s *RedisStore) IncrementDuplicate(ctx context.Context, m MatchCriteria, now time.Time) (uuid.UUID, bool, error) {
	res, err := incrementDuplicateScript.Run(ctx, s.client,
		[]string{fpKey(m.ApplicationName, m.Fingerprint), recentIndexKey},
		m.Since.UnixMilli(), now.UnixMilli(), now.UTC().Format(time.RFC3339Nano),
	).Result()
	if err == redis.Nil {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("increment duplicate: %w", err)
	}

	raw, ok := res.(string)
	if !ok {
		return uuid.Nil, false, nil
	}
	guid, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse matched guid %q: %w", raw, err)
	}
	return guid, true, nil
}

func (s *RedisStore) Get(ctx context.Context, guid uuid.UUID) (*models.ErrorRecord, error) {
	fields, err := s.client.HGetAll(ctx, recKey(guid)).Result()
	if err != nil {
		return nil, fmt.Errorf("get error record: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return composeRecord(fields)
}

func (s *RedisStore) List(ctx context.Context, f ListFilter) ([]*models.ErrorRecord, error) {
	guids, err := s.client.ZRevRange(ctx, recentIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list error records: %w", err)
	}

	var records []*models.ErrorRecord
	for _, raw := range guids {
		guid, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		fields, err := s.client.HGetAll(ctx, recKey(guid)).Result()
		if err != nil {
			return nil, fmt.Errorf("list error records: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := composeRecord(fields)
		if err != nil {
			return nil, err
		}
		if f.ApplicationName != "" && rec.ApplicationName != f.ApplicationName {
			continue
		}
		if rec.IsDeleted() && !f.IncludeDeleted {
			continue
		}
		records = append(records, rec)
		if f.Limit > 0 && len(records) == f.Limit {
			break
		}
	}
	return records, nil
}

func (s *RedisStore) Protect(ctx context.Context, guid uuid.UUID) error {
	return s.setProtected(ctx, guid, true)
}

func (s *RedisStore) Unprotect(ctx context.Context, guid uuid.UUID) error {
	return s.setProtected(ctx, guid, false)
}

func (s *RedisStore) setProtected(ctx context.Context, guid uuid.UUID, protected bool) error {
	exists, err := s.client.Exists(ctx, recKey(guid)).Result()
	if err != nil {
		return fmt.Errorf("set protected: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := s.client.HSet(ctx, recKey(guid), "protected", boolField(protected)).Err(); err != nil {
		return fmt.Errorf("set protected: %w", err)
	}
	return nil
}

func (s *RedisStore) SoftDelete(ctx context.Context, guid uuid.UUID, force bool) error {
	fields, err := s.client.HMGet(ctx, recKey(guid), "protected", "deleted_at").Result()
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if fields[0] == nil {
		return ErrNotFound
	}
	if fields[0] == "1" && !force {
		return ErrProtected
	}
	if deleted, _ := fields[1].(string); deleted != "" {
		return nil // already soft deleted
	}
	err = s.client.HSet(ctx, recKey(guid),
		"deleted_at", time.Now().UTC().Format(time.RFC3339Nano)).Err()
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	return nil
}

func (s *RedisStore) HardDelete(ctx context.Context, guid uuid.UUID) error {
	fields, err := s.client.HMGet(ctx, recKey(guid), "application", "fingerprint").Result()
	if err != nil {
		return fmt.Errorf("hard delete: %w", err)
	}
	if fields[0] == nil {
		return ErrNotFound
	}
	app, _ := fields[0].(string)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recKey(guid))
	pipe.ZRem(ctx, recentIndexKey, guid.String())
	if raw, ok := fields[1].(string); ok && raw != "" {
		if fp, err := strconv.ParseInt(raw, 10, 64); err == nil {
			pipe.ZRem(ctx, fpKey(app, fp), guid.String())
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hard delete: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteAll(ctx context.Context, applicationName string) error {
	guids, err := s.client.ZRange(ctx, recentIndexKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	for _, raw := range guids {
		guid, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		fields, err := s.client.HMGet(ctx, recKey(guid), "application", "protected").Result()
		if err != nil {
			return fmt.Errorf("delete all: %w", err)
		}
		if fields[0] == nil || fields[0] != applicationName || fields[1] == "1" {
			continue
		}
		if err := s.HardDelete(ctx, guid); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Purge(ctx context.Context, applicationName string, before time.Time) (int64, error) {
	guids, err := s.client.ZRangeByScore(ctx, recentIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli()-1, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}

	var purged int64
	for _, raw := range guids {
		guid, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		fields, err := s.client.HMGet(ctx, recKey(guid), "application", "protected").Result()
		if err != nil {
			return purged, fmt.Errorf("purge: %w", err)
		}
		if fields[0] == nil || fields[1] == "1" {
			continue
		}
		if applicationName != "" && fields[0] != applicationName {
			continue
		}
		if err := s.HardDelete(ctx, guid); err != nil {
			// Raced away between the lookup and the delete: not purged by us.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// composeRecord rebuilds an ErrorRecord from its hash representation: the
// immutable JSON document overlaid with the mutable scalar fields.
func composeRecord(fields map[string]string) (*models.ErrorRecord, error) {
	var rec models.ErrorRecord
	if err := json.Unmarshal([]byte(fields["doc"]), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal error record: %w", err)
	}

	if raw := fields["duplicate_count"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse duplicate count %q: %w", raw, err)
		}
		rec.DuplicateCount = n
	}
	if raw := fields["last_seen_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse last seen %q: %w", raw, err)
		}
		rec.LastSeenAt = t
	}
	if raw := fields["deleted_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse deleted at %q: %w", raw, err)
		}
		rec.DeletedAt = &t
	}
	rec.IsProtected = fields["protected"] == "1"
	return &rec, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Verify interface compliance.
var _ Store = (*RedisStore)(nil)
