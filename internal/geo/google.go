package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const defaultMapsBaseURL = "https://maps.googleapis.com/maps/api"

// MapsClient talks to the Google Geocoding and Distance Matrix APIs.
// A pacing limiter keeps requests polite regardless of the caller's loop; the
// per-run call budget is the caller's problem, not this client's.
type MapsClient struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
	pace    *rate.Limiter
}

func NewMapsClient(apiKey string) *MapsClient {
	return &MapsClient{
		apiKey:  apiKey,
		baseURL: defaultMapsBaseURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		pace:    rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

// NewMapsClientForTest points the client at a stub server.
func NewMapsClientForTest(apiKey, baseURL string) *MapsClient {
	c := NewMapsClient(apiKey)
	c.baseURL = baseURL
	c.pace = rate.NewLimiter(rate.Inf, 1)
	return c
}

type geocodeResponse struct {
	Status  string `json:"status"`
	Results []struct {
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
	ErrorMessage string `json:"error_message"`
}

// Geocode returns every candidate location for the address. ZERO_RESULTS is
// not an error: it comes back as an empty slice so the caller can retry on a
// later run.
func (c *MapsClient) Geocode(ctx context.Context, address string) ([]Candidate, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("key", c.apiKey)

	var resp geocodeResponse
	if err := c.getJSON(ctx, c.baseURL+"/geocode/json?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("geocode %q: %w", address, err)
	}

	switch resp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, nil
	default:
		return nil, fmt.Errorf("geocode %q: status %s %s", address, resp.Status, resp.ErrorMessage)
	}

	out := make([]Candidate, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, Candidate{
			Location:  LatLng{Lat: r.Geometry.Location.Lat, Lng: r.Geometry.Location.Lng},
			Formatted: r.FormattedAddress,
		})
	}
	return out, nil
}

type distanceMatrixResponse struct {
	Status string `json:"status"`
	Rows   []struct {
		Elements []struct {
			Status   string `json:"status"`
			Duration struct {
				Value int64 `json:"value"` // seconds
			} `json:"duration"`
			Distance struct {
				Value int64 `json:"value"` // meters
			} `json:"distance"`
		} `json:"elements"`
	} `json:"rows"`
	ErrorMessage string `json:"error_message"`
}

// TransitMinutes asks the Distance Matrix API for the public-transport
// duration between origin and dest.
func (c *MapsClient) TransitMinutes(ctx context.Context, origin, dest LatLng) (float64, error) {
	q := url.Values{}
	q.Set("origins", fmt.Sprintf("%f,%f", origin.Lat, origin.Lng))
	q.Set("destinations", fmt.Sprintf("%f,%f", dest.Lat, dest.Lng))
	q.Set("mode", "transit")
	q.Set("units", "metric")
	q.Set("key", c.apiKey)

	var resp distanceMatrixResponse
	if err := c.getJSON(ctx, c.baseURL+"/distancematrix/json?"+q.Encode(), &resp); err != nil {
		return 0, fmt.Errorf("distance matrix: %w", err)
	}

	if resp.Status != "OK" {
		return 0, fmt.Errorf("distance matrix: status %s %s", resp.Status, resp.ErrorMessage)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return 0, fmt.Errorf("distance matrix: empty response")
	}

	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return 0, fmt.Errorf("distance matrix: element status %s", el.Status)
	}

	return float64(el.Duration.Value) / 60.0, nil
}

func (c *MapsClient) getJSON(ctx context.Context, rawURL string, out any) error {
	if err := c.pace.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
