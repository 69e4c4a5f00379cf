package settings

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (m *mockStore) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.kv == nil {
		m.kv = map[string]string{}
	}
	m.kv[key] = value
	return nil
}

func TestValidate(t *testing.T) {
	cases := []struct {
		key, value string
		want       error
	}{
		{KeyGeofenceLat, "35.68", nil},
		{KeyGeofenceLat, "91", ErrInvalidValue},
		{KeyGeofenceLng, "-181", ErrInvalidValue},
		{KeyGeofenceRadiusM, "0", ErrInvalidValue},
		{KeyGeofenceRadiusM, "120.5", nil},
		{KeySampleCount, "0", ErrInvalidValue},
		{KeySampleCount, "2.5", ErrInvalidValue},
		{KeyLateAfterMinutes, "0", nil},
		{KeyLateAfterMinutes, "-1", ErrInvalidValue},
		{KeyIPCheckEnabled, "yes", ErrInvalidValue},
		{KeyIPCheckEnabled, "true", nil},
		{KeyIPCheckURL, "https://ipinfo.io/{ip}/json", nil},
		{KeyIPCheckURL, "https://ipinfo.io/json", ErrInvalidValue},
		{KeyIPCheckURL, "ftp://x/{ip}", ErrInvalidValue},
		{"theme_color", "blue", ErrUnknownKey},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			err := Validate(tc.key, tc.value)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestProvider_UpdateInvalidatesCache(t *testing.T) {
	store := &mockStore{kv: map[string]string{}}
	p := NewProvider(store, defaults(), time.Hour, nil)
	ctx := context.Background()

	s, err := p.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, s.Geofence.RadiusM)

	s, err = p.Update(ctx, store, KeyGeofenceRadiusM, " 180 ")
	require.NoError(t, err)
	assert.Equal(t, 180.0, s.Geofence.RadiusM)
	assert.Equal(t, 2, store.loads)

	_, err = p.Update(ctx, store, KeyGeofenceRadiusM, "-5")
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Equal(t, "180", store.kv[KeyGeofenceRadiusM])
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := &mockStore{kv: map[string]string{KeySampleCount: "4"}}
	r := gin.New()
	RegisterRoutes(r, NewProvider(store, defaults(), time.Hour, nil), store)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/settings", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"location_sample_count":4`)

	put := func(key, body string) int {
		req := httptest.NewRequest(http.MethodPut, "/settings/"+key, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, put(KeySampleCount, `{"value":"5"}`))
	assert.Equal(t, http.StatusBadRequest, put(KeySampleCount, `{"value":"zero"}`))
	assert.Equal(t, http.StatusNotFound, put("nope", `{"value":"1"}`))
	assert.Equal(t, http.StatusBadRequest, put(KeySampleCount, `{}`))

	store.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, put(KeySampleCount, `{"value":"6"}`))
}
