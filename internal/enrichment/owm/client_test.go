package owm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	masterdata "powermeter-cloud/internal/masterdata/domain"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/geo/1.0/direct", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("appid") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("q") == "Nowhere" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"name":"Boston","lat":42.36,"lon":-71.06}]`))
	})
	mux.HandleFunc("/data/2.5/weather", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"main":{"temp":18.5},"clouds":{"all":75},"weather":[{"description":"broken clouds"}]}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestLocate(t *testing.T) {
	server := newServer(t)
	client := New("key", WithBaseURL(server.URL))

	location, err := client.Locate(context.Background(), masterdata.Device{City: "Boston"})
	require.NoError(t, err)
	require.NotNil(t, location)
	assert.Equal(t, 42.36, location.Latitude)
	assert.Equal(t, -71.06, location.Longitude)

	location, err = client.Locate(context.Background(), masterdata.Device{City: "Nowhere"})
	require.NoError(t, err)
	assert.Nil(t, location)
}

func TestLocateAuthFailure(t *testing.T) {
	server := newServer(t)
	client := New("wrong", WithBaseURL(server.URL))

	_, err := client.Locate(context.Background(), masterdata.Device{City: "Boston"})
	require.Error(t, err)
	assert.True(t, IsAuthFailure(err))
}

func TestWeather(t *testing.T) {
	server := newServer(t)
	client := New("key", WithBaseURL(server.URL))

	weather, err := client.Weather(context.Background(), masterdata.Location{Latitude: 42.36, Longitude: -71.06}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, weather)
	assert.Equal(t, 18.5, weather.Temperature)
	assert.Equal(t, 75.0, weather.CloudCover)
	assert.Equal(t, "broken clouds", weather.Summary)
}

func TestWithoutKeySkipsLookups(t *testing.T) {
	client := New("")

	location, err := client.Locate(context.Background(), masterdata.Device{City: "Boston"})
	require.NoError(t, err)
	assert.Nil(t, location)

	weather, err := client.Weather(context.Background(), masterdata.Location{}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, weather)
}
