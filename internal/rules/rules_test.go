package rules

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKV struct {
	mu   sync.Mutex
	data map[string]string
	err  error
	gets int
}

func newMemKV() *memKV { return &memKV{data: map[string]string{}} }

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.data[key]
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestStatic_LookupFallsBack(t *testing.T) {
	s, err := NewStatic("", nil)
	require.NoError(t, err)

	ca, err := s.Lookup(context.Background(), "tenant-1", "US-CA")
	require.NoError(t, err)
	assert.Equal(t, 10, ca.RestBreakDurationMin)

	unknown, err := s.Lookup(context.Background(), "tenant-1", "XX")
	require.NoError(t, err)
	assert.Equal(t, DefaultJurisdiction, unknown.Jurisdiction)
}

func TestStatic_RejectsInvalidExtra(t *testing.T) {
	_, err := NewStatic("", map[string]domain.LaborRuleSet{"bad": {RestBreakIntervalHours: 4}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = NewStatic("nowhere", nil)
	assert.Error(t, err)
}

func TestBuiltin_AllValid(t *testing.T) {
	for name, rs := range Builtin() {
		assert.NoError(t, rs.Validate(), name)
		assert.Equal(t, name, rs.Jurisdiction)
	}
}

func TestKVSource_TenantOverridesShared(t *testing.T) {
	kv := newMemKV()
	fallback, err := NewStatic("", nil)
	require.NoError(t, err)
	src := NewKVSource(kv, "rules:", fallback)
	ctx := context.Background()

	shared := Builtin()[DefaultJurisdiction]
	shared.Jurisdiction = "US-NY"
	require.NoError(t, src.Publish(ctx, "", shared))

	custom := shared
	custom.RestBreakDurationMin = 20
	require.NoError(t, src.Publish(ctx, "tenant-1", custom))

	got, err := src.Lookup(ctx, "tenant-1", "US-NY")
	require.NoError(t, err)
	assert.Equal(t, 20, got.RestBreakDurationMin)

	got, err = src.Lookup(ctx, "tenant-2", "US-NY")
	require.NoError(t, err)
	assert.Equal(t, 15, got.RestBreakDurationMin)
}

func TestKVSource_MissUsesFallback(t *testing.T) {
	fallback, err := NewStatic("", nil)
	require.NoError(t, err)
	src := NewKVSource(newMemKV(), "rules:", fallback)

	got, err := src.Lookup(context.Background(), "tenant-1", "US-CA")
	require.NoError(t, err)
	assert.Equal(t, "US-CA", got.Jurisdiction)
}

func TestKVSource_NoFallbackIsNotFound(t *testing.T) {
	src := NewKVSource(newMemKV(), "rules:", nil)
	_, err := src.Lookup(context.Background(), "tenant-1", "US-CA")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestKVSource_KeepsLastKnownSetWhenUnreachable(t *testing.T) {
	kv := newMemKV()
	now := time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)
	src := NewKVSource(kv, "rules:", nil, WithTTL(time.Minute), WithKVClock(func() time.Time { return now }))
	ctx := context.Background()

	rs := Builtin()["US-CA"]
	b, err := json.Marshal(rs)
	require.NoError(t, err)
	kv.data["rules:tenant-1:US-CA"] = string(b)

	_, err = src.Lookup(ctx, "tenant-1", "US-CA")
	require.NoError(t, err)

	_, err = src.Lookup(ctx, "tenant-1", "US-CA")
	require.NoError(t, err)
	assert.Equal(t, 1, kv.gets, "second lookup within the TTL is served locally")

	now = now.Add(2 * time.Minute)
	kv.err = errors.New("dial tcp: connection refused")
	got, err := src.Lookup(ctx, "tenant-1", "US-CA")
	require.NoError(t, err)
	assert.Equal(t, 10, got.RestBreakDurationMin)
}

func TestKVSource_InvalidPublishedSetIgnored(t *testing.T) {
	kv := newMemKV()
	kv.data["rules:*:US-CA"] = `{"jurisdiction":"US-CA","rest_break_interval_hours":0}`
	fallback, err := NewStatic("", nil)
	require.NoError(t, err)
	src := NewKVSource(kv, "rules:", fallback)

	got, err := src.Lookup(context.Background(), "tenant-1", "US-CA")
	require.NoError(t, err)
	assert.Equal(t, 4.0, got.RestBreakIntervalHours)
}
