// Package owm resolves site locations and weather through OpenWeatherMap.
package owm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	aggregation "powermeter-cloud/internal/aggregation/application"
	masterdata "powermeter-cloud/internal/masterdata/domain"
)

const defaultBaseURL = "https://api.openweathermap.org"

// Client calls the geocoding and current weather APIs. Without an API key
// every lookup returns nil so enrichment is skipped.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API host.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// New constructs a client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type statusError struct {
	status int
}

func (e statusError) Error() string {
	return fmt.Sprintf("owm: API returned status %d", e.status)
}

// Locate geocodes the device city.
func (c *Client) Locate(ctx context.Context, device masterdata.Device) (*masterdata.Location, error) {
	city := strings.TrimSpace(device.City)
	if c.apiKey == "" || city == "" {
		return nil, nil
	}
	u := fmt.Sprintf("%s/geo/1.0/direct?q=%s&limit=1&appid=%s", c.baseURL, url.QueryEscape(city), c.apiKey)

	var results []struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	}
	if err := c.fetchJSON(ctx, u, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &masterdata.Location{Latitude: results[0].Lat, Longitude: results[0].Lon}, nil
}

// Weather returns current conditions at location. The API serves only the
// present, so at is ignored.
func (c *Client) Weather(ctx context.Context, location masterdata.Location, _ time.Time) (*aggregation.Weather, error) {
	if c.apiKey == "" {
		return nil, nil
	}
	u := fmt.Sprintf("%s/data/2.5/weather?lat=%f&lon=%f&units=metric&appid=%s", c.baseURL, location.Latitude, location.Longitude, c.apiKey)

	var resp struct {
		Main struct {
			Temp float64 `json:"temp"`
		} `json:"main"`
		Clouds struct {
			All float64 `json:"all"`
		} `json:"clouds"`
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
	}
	if err := c.fetchJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	weather := &aggregation.Weather{
		Temperature: resp.Main.Temp,
		CloudCover:  resp.Clouds.All,
	}
	if len(resp.Weather) > 0 {
		weather.Summary = resp.Weather[0].Description
	}
	return weather, nil
}

func (c *Client) fetchJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError{status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("owm: decode: %w", err)
	}
	return nil
}

// IsAuthFailure reports whether err is a rejected API key.
func IsAuthFailure(err error) bool {
	var se statusError
	if !errors.As(err, &se) {
		return false
	}
	return se.status == http.StatusUnauthorized || se.status == http.StatusForbidden
}
