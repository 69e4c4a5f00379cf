package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mu    sync.Mutex
	kv    map[string]string
	err   error
	loads int
}

func (m *mockStore) Load(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]string, len(m.kv))
	for k, v := range m.kv {
		out[k] = v
	}
	return out, nil
}

func defaults() Settings {
	return Settings{
		Geofence:     Geofence{CenterLat: 35.0, CenterLng: 139.0, RadiusM: 100},
		SampleCount:  3,
		MaxSpeedMps:  35,
		MaxJumpM:     150,
		MaxSpreadM:   100,
		MaxAccuracyM: 50,
	}
}

func TestProvider_OverlaysStoreValues(t *testing.T) {
	store := &mockStore{kv: map[string]string{
		KeyGeofenceRadiusM: "250",
		KeySampleCount:     "5",
		KeyIPCheckEnabled:  "true",
		KeyMaxSpeedMps:     "not-a-number",
		"unrelated":        "x",
	}}
	p := NewProvider(store, defaults(), time.Minute, nil)

	s, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 250.0, s.Geofence.RadiusM)
	assert.Equal(t, 5, s.SampleCount)
	assert.True(t, s.IPCheckEnabled)
	assert.Equal(t, 35.0, s.MaxSpeedMps, "bad value keeps default")
}

func TestProvider_HotReloadAfterTTL(t *testing.T) {
	store := &mockStore{kv: map[string]string{KeyMaxSpreadM: "80"}}
	p := NewProvider(store, defaults(), 30*time.Second, nil)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	s, _ := p.Current(context.Background())
	assert.Equal(t, 80.0, s.MaxSpreadM)

	store.mu.Lock()
	store.kv[KeyMaxSpreadM] = "60"
	store.mu.Unlock()

	s, _ = p.Current(context.Background())
	assert.Equal(t, 80.0, s.MaxSpreadM, "cached within ttl")
	assert.Equal(t, 1, store.loads)

	now = now.Add(31 * time.Second)
	s, _ = p.Current(context.Background())
	assert.Equal(t, 60.0, s.MaxSpreadM)
	assert.Equal(t, 2, store.loads)
}

func TestProvider_LoadFailureKeepsLastGood(t *testing.T) {
	store := &mockStore{kv: map[string]string{KeyMaxJumpM: "120"}}
	p := NewProvider(store, defaults(), time.Second, nil)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	s, _ := p.Current(context.Background())
	require.Equal(t, 120.0, s.MaxJumpM)

	store.err = errors.New("db down")
	now = now.Add(time.Minute)
	s, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120.0, s.MaxJumpM)
}

func TestSettings_AccuracyLimit(t *testing.T) {
	s := defaults()
	assert.Equal(t, 50.0, s.AccuracyLimit())

	s.Geofence.RadiusM = 30
	assert.Equal(t, 30.0, s.AccuracyLimit())
}
