package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	cacheRadiusMeters = 50
	cacheTTL          = time.Hour
	cacheSize         = 100
	requestTimeout    = 10 * time.Second
)

type Address struct {
	Full          string
	Road          string
	Neighbourhood string
	Suburb        string
	City          string
	District      string
	State         string
	Postcode      string
	Country       string
}

// Short is road, area and city.
func (a Address) Short() string {
	parts := compact(a.Road, first(a.Neighbourhood, a.Suburb), a.City)
	if len(parts) == 0 {
		return a.Full
	}
	return strings.Join(parts, ", ")
}

// Medium adds district, state and postcode to Short.
func (a Address) Medium() string {
	district := a.District
	if district == a.City {
		district = ""
	}
	parts := compact(a.Road, first(a.Neighbourhood, a.Suburb), a.City, district, a.State, a.Postcode)
	if len(parts) == 0 {
		return a.Full
	}
	return strings.Join(parts, ", ")
}

type cacheEntry struct {
	lat, lon float64
	addr     Address
	at       time.Time
}

// Nominatim is a throttled reverse geocoder with a small proximity cache.
type Nominatim struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	log       zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	cache []cacheEntry
}

func NewNominatim(baseURL, userAgent string, log zerolog.Logger) *Nominatim {
	return &Nominatim{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: requestTimeout},
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		log:       log,
		now:       time.Now,
	}
}

// Reverse returns the medium-detail address for the coordinate, or "" on failure.
func (n *Nominatim) Reverse(ctx context.Context, lat, lon float64) string {
	addr, err := n.Lookup(ctx, lat, lon)
	if err != nil {
		n.log.Warn().Err(err).Float64("lat", lat).Float64("lon", lon).Msg("reverse geocoding failed")
		return ""
	}
	return addr.Medium()
}

func (n *Nominatim) Lookup(ctx context.Context, lat, lon float64) (Address, error) {
	if addr, ok := n.cached(lat, lon); ok {
		return addr, nil
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return Address{}, err
	}

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	q.Set("addressdetails", "1")
	q.Set("accept-language", "en")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Address{}, err
	}
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return Address{}, fmt.Errorf("nominatim request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Address{}, fmt.Errorf("nominatim returned %d", resp.StatusCode)
	}

	var body struct {
		DisplayName string            `json:"display_name"`
		Address     map[string]string `json:"address"`
		Error       string            `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Address{}, fmt.Errorf("decode nominatim response: %w", err)
	}
	if body.Error != "" {
		return Address{}, fmt.Errorf("nominatim: %s", body.Error)
	}

	raw := body.Address
	addr := Address{
		Full:          body.DisplayName,
		Road:          first(raw["road"], raw["pedestrian"]),
		Neighbourhood: first(raw["neighbourhood"], raw["hamlet"]),
		Suburb:        first(raw["suburb"], raw["village"]),
		City:          first(raw["city"], raw["town"], raw["municipality"]),
		District:      first(raw["county"], raw["state_district"]),
		State:         raw["state"],
		Postcode:      raw["postcode"],
		Country:       raw["country"],
	}
	n.store(lat, lon, addr)
	return addr, nil
}

func (n *Nominatim) cached(lat, lon float64) (Address, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	for _, e := range n.cache {
		if now.Sub(e.at) < cacheTTL && haversineMeters(lat, lon, e.lat, e.lon) <= cacheRadiusMeters {
			return e.addr, true
		}
	}
	return Address{}, false
}

func (n *Nominatim) store(lat, lon float64, addr Address) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.cache = append(n.cache, cacheEntry{lat: lat, lon: lon, addr: addr, at: n.now()})
	if len(n.cache) > cacheSize {
		n.cache = n.cache[len(n.cache)-cacheSize:]
	}
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(a))
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func compact(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
