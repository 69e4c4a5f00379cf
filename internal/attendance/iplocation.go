package attendance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"PRESENCE-backend/internal/platform/metrics"
)

var (
	ErrLookupFailed   = errors.New("ip geolocation lookup failed")
	ErrLookupPayload  = errors.New("ip geolocation payload unparseable")
	ErrNoLookupTarget = errors.New("ip geolocation url not configured")
)

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// IPLocator resolves a public IP to coordinates. urlTemplate carries an
// {ip} placeholder and comes from the hot-reloadable settings.
type IPLocator interface {
	Locate(ctx context.Context, urlTemplate, ip string) (Coordinates, error)
}

type HTTPLocator struct {
	client  *http.Client
	timeout time.Duration
	backoff time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewHTTPLocator(timeout, backoff time.Duration) *HTTPLocator {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &HTTPLocator{
		client:  &http.Client{},
		timeout: timeout,
		backoff: backoff,
		sleep:   sleepCtx,
	}
}

// Locate tries twice. Each attempt gets its own timeout so a slow provider
// cannot hold the check-in request longer than 2*timeout+backoff.
func (l *HTTPLocator) Locate(ctx context.Context, urlTemplate, ip string) (Coordinates, error) {
	if strings.TrimSpace(urlTemplate) == "" {
		return Coordinates{}, ErrNoLookupTarget
	}
	target := strings.ReplaceAll(urlTemplate, "{ip}", url.PathEscape(ip))

	start := time.Now()
	defer func() { metrics.IPLookupDuration.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if err := l.sleep(ctx, l.backoff); err != nil {
				return Coordinates{}, err
			}
		}
		c, err := l.fetch(ctx, target)
		if err == nil {
			return c, nil
		}
		lastErr = err
		// 形式不正はリトライしても同じ
		if errors.Is(err, ErrLookupPayload) {
			break
		}
	}
	return Coordinates{}, lastErr
}

func (l *HTTPLocator) fetch(ctx context.Context, target string) (Coordinates, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Coordinates{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return Coordinates{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Coordinates{}, fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Coordinates{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	return ParseLocationPayload(body)
}

// ParseLocationPayload accepts {lat,lng}, {lat,lon}, {latitude,longitude}
// and {"loc":"lat,lng"}. Numbers may also arrive as strings.
func ParseLocationPayload(body []byte) (Coordinates, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return Coordinates{}, fmt.Errorf("%w: %v", ErrLookupPayload, err)
	}

	pairs := [][2]string{{"lat", "lng"}, {"lat", "lon"}, {"latitude", "longitude"}}
	for _, p := range pairs {
		latV, ok1 := m[p[0]]
		lngV, ok2 := m[p[1]]
		if !ok1 || !ok2 {
			continue
		}
		lat, okLat := toFloat(latV)
		lng, okLng := toFloat(lngV)
		if okLat && okLng {
			return validCoordinates(lat, lng)
		}
	}

	if loc, ok := m["loc"].(string); ok {
		parts := strings.Split(loc, ",")
		if len(parts) == 2 {
			lat, okLat := toFloat(strings.TrimSpace(parts[0]))
			lng, okLng := toFloat(strings.TrimSpace(parts[1]))
			if okLat && okLng {
				return validCoordinates(lat, lng)
			}
		}
	}
	return Coordinates{}, ErrLookupPayload
}

func validCoordinates(lat, lng float64) (Coordinates, error) {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return Coordinates{}, ErrLookupPayload
	}
	return Coordinates{Latitude: lat, Longitude: lng}, nil
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
}

// IsPublicIP reports whether the address is globally routable. Only those are
// worth a geolocation lookup.
func IsPublicIP(s string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
