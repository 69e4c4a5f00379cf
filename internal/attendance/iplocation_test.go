package attendance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestParseLocationPayload(t *testing.T) {
	cases := []struct {
		name string
		body string
		lat  float64
		lng  float64
	}{
		{"lat/lng", `{"lat":35.68,"lng":139.76}`, 35.68, 139.76},
		{"lat/lon", `{"status":"success","lat":34.69,"lon":135.5}`, 34.69, 135.5},
		{"latitude/longitude", `{"latitude":"43.06","longitude":"141.35"}`, 43.06, 141.35},
		{"loc", `{"ip":"8.8.8.8","loc":"37.4056,-122.0775"}`, 37.4056, -122.0775},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := ParseLocationPayload([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.lat, c.Latitude)
			assert.Equal(t, tc.lng, c.Longitude)
		})
	}

	for _, bad := range []string{`not json`, `{"city":"Tokyo"}`, `{"lat":123,"lng":0}`, `{"loc":"a,b"}`} {
		_, err := ParseLocationPayload([]byte(bad))
		assert.ErrorIs(t, err, ErrLookupPayload, bad)
	}
}

func TestHTTPLocator_Locate(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"lat":35.68,"lon":139.76}`))
	}))
	defer srv.Close()

	l := NewHTTPLocator(time.Second, 0)
	c, err := l.Locate(context.Background(), srv.URL+"/json/{ip}", "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "/json/8.8.8.8", gotPath)
	assert.Equal(t, 35.68, c.Latitude)
}

func TestHTTPLocator_RetriesOnce(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"latitude":35.68,"longitude":139.76}`))
	}))
	defer srv.Close()

	l := NewHTTPLocator(time.Second, 0)
	l.sleep = noSleep
	_, err := l.Locate(context.Background(), srv.URL+"/{ip}", "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestHTTPLocator_GivesUpAfterTwoAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := NewHTTPLocator(time.Second, 0)
	l.sleep = noSleep
	_, err := l.Locate(context.Background(), srv.URL+"/{ip}", "8.8.8.8")
	assert.ErrorIs(t, err, ErrLookupFailed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestHTTPLocator_PayloadErrorNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"city":"Tokyo"}`))
	}))
	defer srv.Close()

	l := NewHTTPLocator(time.Second, 0)
	l.sleep = noSleep
	_, err := l.Locate(context.Background(), srv.URL+"/{ip}", "8.8.8.8")
	assert.ErrorIs(t, err, ErrLookupPayload)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTPLocator_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	l := NewHTTPLocator(30*time.Millisecond, 0)
	l.sleep = noSleep
	start := time.Now()
	_, err := l.Locate(context.Background(), srv.URL+"/{ip}", "8.8.8.8")
	assert.ErrorIs(t, err, ErrLookupFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPLocator_NoURL(t *testing.T) {
	_, err := NewHTTPLocator(time.Second, 0).Locate(context.Background(), " ", "8.8.8.8")
	assert.ErrorIs(t, err, ErrNoLookupTarget)
}

func TestIsPublicIP(t *testing.T) {
	public := []string{"8.8.8.8", "133.11.0.1", "2001:4860:4860::8888", "::ffff:8.8.4.4"}
	for _, ip := range public {
		assert.True(t, IsPublicIP(ip), ip)
	}
	private := []string{"", "garbage", "10.0.0.1", "172.16.5.4", "192.168.1.10", "127.0.0.1", "::1",
		"169.254.1.1", "100.64.0.1", "0.0.0.0", "fe80::1", "fd00::1", "203.0.113.9", "::ffff:192.168.0.1"}
	for _, ip := range private {
		assert.False(t, IsPublicIP(ip), ip)
	}
}
