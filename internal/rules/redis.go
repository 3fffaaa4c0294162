package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/logger"
	"github.com/go-redis/redis/v8"
)

// ErrMiss is returned by a KV when the key does not exist.
var ErrMiss = errors.New("cache miss")

// KV is the string key-value store rule sets are published to.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

type RedisKV struct {
	c *redis.Client
}

func NewRedisKV(c *redis.Client) *RedisKV { return &RedisKV{c: c} }

// NewRedisClient connects to addr. The connection is established lazily.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.c.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

// KVSource reads rule sets published as JSON under
// "<prefix><tenant>:<jurisdiction>", then "<prefix>*:<jurisdiction>", and
// falls back to another Source when neither exists or the store is
// unreachable. Hits are kept for TTL so a device that loses its connection
// keeps the last rules it saw.
type KVSource struct {
	kv       KV
	prefix   string
	fallback Source
	ttl      time.Duration
	log      logger.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSet
}

type cachedSet struct {
	set     domain.LaborRuleSet
	fetched time.Time
}

type KVOption func(*KVSource)

func WithTTL(d time.Duration) KVOption {
	return func(s *KVSource) { s.ttl = d }
}

func WithKVLogger(l logger.Logger) KVOption {
	return func(s *KVSource) { s.log = l }
}

func WithKVClock(now func() time.Time) KVOption {
	return func(s *KVSource) { s.now = now }
}

func NewKVSource(kv KV, prefix string, fallback Source, opts ...KVOption) *KVSource {
	s := &KVSource{
		kv:       kv,
		prefix:   prefix,
		fallback: fallback,
		ttl:      10 * time.Minute,
		log:      logger.NopLogger{},
		now:      time.Now,
		cache:    map[string]cachedSet{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *KVSource) Lookup(ctx context.Context, tenantID, jurisdiction string) (domain.LaborRuleSet, error) {
	keys := []string{
		s.key(tenantID, jurisdiction),
		s.key("*", jurisdiction),
	}

	s.mu.Lock()
	if c, ok := s.cache[keys[0]]; ok && s.now().Sub(c.fetched) < s.ttl {
		s.mu.Unlock()
		return c.set, nil
	}
	s.mu.Unlock()

	for _, key := range keys {
		rs, err := s.fetch(ctx, key)
		if errors.Is(err, ErrMiss) {
			continue
		}
		if err != nil {
			s.log.Warnw("rule set lookup failed", map[string]any{"key": key, "error": err.Error()})
			if c, ok := s.stale(keys[0]); ok {
				return c, nil
			}
			break
		}
		if rs.Jurisdiction == "" {
			rs.Jurisdiction = jurisdiction
		}
		s.mu.Lock()
		s.cache[keys[0]] = cachedSet{set: rs, fetched: s.now()}
		s.mu.Unlock()
		return rs, nil
	}

	if s.fallback == nil {
		return domain.LaborRuleSet{}, fmt.Errorf("no rule set for %s/%s: %w", tenantID, jurisdiction, domain.ErrNotFound)
	}
	return s.fallback.Lookup(ctx, tenantID, jurisdiction)
}

// Publish stores a rule set for every tenant, or for one when tenantID is
// set.
func (s *KVSource) Publish(ctx context.Context, tenantID string, rs domain.LaborRuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	if tenantID == "" {
		tenantID = "*"
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("encoding rule set %s: %w", rs.Jurisdiction, err)
	}
	return s.kv.Set(ctx, s.key(tenantID, rs.Jurisdiction), string(b), 0)
}

func (s *KVSource) fetch(ctx context.Context, key string) (domain.LaborRuleSet, error) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return domain.LaborRuleSet{}, err
	}
	var rs domain.LaborRuleSet
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return domain.LaborRuleSet{}, fmt.Errorf("decoding rule set %s: %w", key, err)
	}
	if err := rs.Validate(); err != nil {
		return domain.LaborRuleSet{}, fmt.Errorf("rule set %s: %w", key, err)
	}
	return rs, nil
}

func (s *KVSource) stale(key string) (domain.LaborRuleSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[key]
	return c.set, ok
}

func (s *KVSource) key(tenantID, jurisdiction string) string {
	return s.prefix + tenantID + ":" + jurisdiction
}
