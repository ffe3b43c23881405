package seedr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jose987654/sonarr-plugin/internal/auth"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *auth.TokenStore) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := auth.NewTokenStore(filepath.Join(t.TempDir(), "credentials.json"), time.Minute)

	return NewClient(server.URL, "test-client", store, 0), store
}

func saveValidCredential(t *testing.T, store *auth.TokenStore) {
	t.Helper()

	require.NoError(t, store.Save(&auth.Credential{
		AccessToken:  "valid-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestStartDeviceAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/oauth/device/code", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "test-client", r.Form.Get("client_id"))

		writeJSON(t, w, map[string]any{
			"device_code":      "dev-123",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "/devices",
			"expires_in":       300,
			"interval":         7,
		})
	})

	client, _ := newTestClient(t, mux)

	session, err := client.StartDeviceAuth(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "dev-123", session.DeviceCode)
	assert.Equal(t, "ABCD-EFGH", session.UserCode)
	assert.Equal(t, client.baseURL+"/devices", session.VerificationURI)
	assert.Equal(t, 7*time.Second, session.Interval)
	assert.WithinDuration(t, time.Now().Add(300*time.Second), session.ExpiresAt, 5*time.Second)
}

func TestStartDeviceAuthFallsBackToConfiguredInterval(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/oauth/device/code", func(w http.ResponseWriter, r *http.Request) {
		// No "interval" in the response.
		writeJSON(t, w, map[string]any{
			"device_code":      "dev-123",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "/devices",
			"expires_in":       300,
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	store := auth.NewTokenStore(filepath.Join(t.TempDir(), "credentials.json"), time.Minute)
	client := NewClient(server.URL, "test-client", store, 9*time.Second)

	session, err := client.StartDeviceAuth(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 9*time.Second, session.Interval)
}

func TestPollDeviceAuthStates(t *testing.T) {
	tests := []struct {
		name      string
		errorCode string
		want      PollState
		wantErr   bool
	}{
		{name: "pending", errorCode: "authorization_pending", want: PollPending},
		{name: "slow down", errorCode: "slow_down", want: PollSlowDown},
		{name: "expired", errorCode: "expired_token", want: PollExpired},
		{name: "denied", errorCode: "access_denied", want: PollExpired},
		{name: "unknown error", errorCode: "server_on_fire", want: PollPending, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/api/v0.1/p/oauth/token", func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "urn:ietf:params:oauth:grant-type:device_code", r.Form.Get("grant_type"))
				assert.Equal(t, "dev-123", r.Form.Get("device_code"))

				w.WriteHeader(http.StatusBadRequest)
				writeJSON(t, w, map[string]string{"error": tt.errorCode})
			})

			client, _ := newTestClient(t, mux)

			state, err := client.PollDeviceAuth(context.Background(), &DeviceSession{DeviceCode: "dev-123"})
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.want, state)
		})
	}
}

func TestPollDeviceAuthAuthorizedPersistsCredential(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/oauth/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"expires_in":    3600,
		})
	})

	client, store := newTestClient(t, mux)

	state, err := client.PollDeviceAuth(context.Background(), &DeviceSession{DeviceCode: "dev-123"})
	require.NoError(t, err)
	assert.Equal(t, PollAuthorized, state)
	assert.True(t, client.Authenticated())

	cred, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "fresh-access", cred.AccessToken)
	assert.Equal(t, "fresh-refresh", cred.RefreshToken)
}

func TestLogout(t *testing.T) {
	client, store := newTestClient(t, http.NewServeMux())
	saveValidCredential(t, store)

	require.True(t, client.Authenticated())
	require.NoError(t, client.Logout())
	assert.False(t, client.Authenticated())

	cred, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestListTasks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/tasks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer valid-token", r.Header.Get("Authorization"))

		writeJSON(t, w, []map[string]any{
			{"id": 1, "name": "ShowX.S01E01", "status": "downloading", "progress": 45, "size": 1000},
			{"id": 2, "title": "ShowY.S02E05", "status": "completed", "progress": 100},
			{"id": 3, "name": "ShowZ.S03E01", "status": "downloading", "progress": 1},
		})
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	tasks, err := client.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	assert.Equal(t, "1", tasks[0].ID)
	assert.Equal(t, "ShowX.S01E01", tasks[0].Title)
	assert.InDelta(t, 0.45, tasks[0].Progress, 1e-9)
	assert.Equal(t, int64(1000), tasks[0].Size)

	// Title falls back to the title field when name is absent.
	assert.Equal(t, "ShowY.S02E05", tasks[1].Title)
	assert.InDelta(t, 1.0, tasks[1].Progress, 1e-9)

	// A report of exactly 1 is 1 percent, not a completed fraction.
	assert.InDelta(t, 0.01, tasks[2].Progress, 1e-9)
}

func TestListTasksUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/tasks", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(t, w, map[string]string{"error": "invalid token"})
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	_, err := client.ListTasks(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindUnauthenticated, KindOf(err))
}

func TestListTasksNotLoggedIn(t *testing.T) {
	client, _ := newTestClient(t, http.NewServeMux())

	_, err := client.ListTasks(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindUnauthenticated, KindOf(err))
}

func TestListTasksRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/tasks", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		writeJSON(t, w, []map[string]any{})
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	tasks, err := client.ListTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSingleFlightRefresh(t *testing.T) {
	var refreshCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-token", r.Form.Get("refresh_token"))

		refreshCalls.Add(1)
		time.Sleep(100 * time.Millisecond)

		writeJSON(t, w, map[string]any{
			"access_token":  "refreshed-token",
			"refresh_token": "next-refresh-token",
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	})
	mux.HandleFunc("/api/v0.1/p/tasks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer refreshed-token", r.Header.Get("Authorization"))
		writeJSON(t, w, []map[string]any{})
	})

	client, store := newTestClient(t, mux)
	require.NoError(t, store.Save(&auth.Credential{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}))

	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := client.ListTasks(context.Background())
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), refreshCalls.Load())

	cred, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "refreshed-token", cred.AccessToken)
	assert.Equal(t, "next-refresh-token", cred.RefreshToken)
}

func TestRefreshRejectedMeansUnauthenticated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/oauth/token", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(t, w, map[string]string{"error": "invalid_grant"})
	})

	client, store := newTestClient(t, mux)
	require.NoError(t, store.Save(&auth.Credential{
		AccessToken:  "stale-token",
		RefreshToken: "dead-refresh-token",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}))

	_, err := client.ListTasks(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindUnauthenticated, KindOf(err))
}

func TestSubmitMagnet(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/tasks", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "magnet:?xt=urn:btih:abc", body["magnet"])

		writeJSON(t, w, map[string]any{"user_torrent_id": 99})
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	id, err := client.SubmitMagnet(context.Background(), "magnet:?xt=urn:btih:abc")
	require.NoError(t, err)
	assert.Equal(t, "99", id)
}

func TestSubmitMagnetWithPlainURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/tasks", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://example.com/file.torrent", body["url"])

		writeJSON(t, w, map[string]any{"task_id": 7})
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	id, err := client.SubmitMagnet(context.Background(), "https://example.com/file.torrent")
	require.NoError(t, err)
	assert.Equal(t, "7", id)
}

func TestSubmitTorrent(t *testing.T) {
	raw := []byte("d4:infod4:name4:testee")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/tasks", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("torrent")
		require.NoError(t, err)
		defer file.Close()

		assert.Equal(t, "test.torrent", header.Filename)

		writeJSON(t, w, map[string]any{"id": 42})
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	id, err := client.SubmitTorrent(context.Background(), raw, "test.torrent")
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestSubmitTorrentTooLarge(t *testing.T) {
	client, store := newTestClient(t, http.NewServeMux())
	saveValidCredential(t, store)

	_, err := client.SubmitTorrent(context.Background(), make([]byte, maxTorrentSize+1), "huge.torrent")
	require.Error(t, err)
	assert.Equal(t, KindPermanent, KindOf(err))
}

func TestSubmitReportsCloudError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/tasks", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{"error": "not enough space"})
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	_, err := client.SubmitMagnet(context.Background(), "magnet:?xt=urn:btih:abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough space")
}

func TestListFilesRecursesIntoFolders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/tasks/7/contents", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, []map[string]any{
			{"id": 1, "name": "episode.mkv", "size": 100},
			{"id": 5, "name": "Subs", "type": "folder"},
		})
	})
	mux.HandleFunc("/api/v0.1/p/folder/5", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{
			"folders": []map[string]any{{"id": 6, "name": "en"}},
			"files":   []map[string]any{{"id": 2, "name": "episode.srt", "size": 10}},
		})
	})
	mux.HandleFunc("/api/v0.1/p/folder/6", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{
			"files": []map[string]any{{"id": 3, "name": "forced.srt", "size": 5}},
		})
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	files, err := client.ListFiles(context.Background(), "7")
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, RemoteFile{ID: "1", Name: "episode.mkv", Size: 100}, files[0])
	assert.Equal(t, RemoteFile{ID: "2", Name: "Subs/episode.srt", Size: 10}, files[1])
	assert.Equal(t, RemoteFile{ID: "3", Name: "Subs/en/forced.srt", Size: 5}, files[2])
}

func TestDownloadURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/file/3", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]string{"url": "https://cdn.example.com/content/3"})
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	url, err := client.DownloadURL(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/content/3", url)
}

func TestDownloadURLMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/file/3", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]string{})
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	_, err := client.DownloadURL(context.Background(), "3")
	require.Error(t, err)
	assert.Equal(t, KindPermanent, KindOf(err))
}

func TestTaskActions(t *testing.T) {
	var gotPaths []string

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/tasks/9/", func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)
		writeJSON(t, w, map[string]bool{"success": true})
	})
	mux.HandleFunc("/api/v0.1/p/tasks/9", func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)
		writeJSON(t, w, map[string]bool{"success": true})
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	ctx := context.Background()
	require.NoError(t, client.PauseTask(ctx, "9"))
	require.NoError(t, client.ResumeTask(ctx, "9"))
	require.NoError(t, client.DeleteTask(ctx, "9"))

	assert.Equal(t, []string{
		"POST /api/v0.1/p/tasks/9/pause",
		"POST /api/v0.1/p/tasks/9/resume",
		"DELETE /api/v0.1/p/tasks/9",
	}, gotPaths)
}

func TestDeleteTaskNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/tasks/9", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	err := client.DeleteTask(context.Background(), "9")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestAccountInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0.1/p/user", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{"username": "alice", "space_used": 100, "space_max": 1000})
	})

	client, store := newTestClient(t, mux)
	saveValidCredential(t, store)

	acct, err := client.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", acct.Username)
	assert.Equal(t, int64(100), acct.SpaceUsed)
	assert.Equal(t, int64(1000), acct.SpaceMax)
}
