package sonarr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSeries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/series", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode([]Series{
			{ID: 1, Title: "ShowX"},
			{ID: 2, Title: "ShowY"},
		}))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret")

	series, err := client.GetSeries(context.Background())
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "ShowX", series[0].Title)
}

func TestGetSeriesErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, "wrong")

	_, err := client.GetSeries(context.Background())
	require.Error(t, err)
}

func TestTriggerImportScan(t *testing.T) {
	var got map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/command", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret")

	err := client.TriggerImportScan(context.Background(), "/downloads/ShowX.S01E01")
	require.NoError(t, err)

	assert.Equal(t, "DownloadedEpisodesScan", got["name"])
	assert.Equal(t, "/downloads/ShowX.S01E01", got["path"])
}

func TestTriggerImportScanFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret")

	err := client.TriggerImportScan(context.Background(), "/downloads/x")
	require.Error(t, err)
}

func TestDisabledClientIsNoOp(t *testing.T) {
	client := NewClient("", "")

	assert.False(t, client.Enabled())

	series, err := client.GetSeries(context.Background())
	require.NoError(t, err)
	assert.Nil(t, series)

	require.NoError(t, client.TriggerImportScan(context.Background(), "/downloads/x"))
}
