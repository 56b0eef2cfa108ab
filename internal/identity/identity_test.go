package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateSessionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/validate_session.php", r.URL.Path)
		require.Contains(t, r.Header.Get("User-Agent"), "epicinium-server/")

		var body struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "tok-123", body.Token)

		_ = json.NewEncoder(w).Encode(ValidateSessionResult{
			Status:   StatusSuccess,
			Username: "alice",
			Rating:   8.2,
		})
	}))
	defer srv.Close()

	client := New(srv.URL)
	result, err := client.ValidateSession(context.Background(), "tok-123", "")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)
	require.Equal(t, "alice", result.Username)
	require.InDelta(t, 8.2, result.Rating, 0.0001)
}

func TestValidateSessionHTTPFailureSurfacesConnectionFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(srv.URL)
	result, err := client.ValidateSession(context.Background(), "tok", "")
	require.Error(t, err)
	require.Equal(t, StatusConnectionFailed, result.Status)
}

func TestUpdateRatingAndAwardStars(t *testing.T) {
	var gotRating, gotStars bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/update_rating":
			gotRating = true
		case "/api/v1/award_stars":
			gotStars = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.URL)
	require.NoError(t, client.UpdateRating(context.Background(), "user-1", 7.5))
	require.NoError(t, client.AwardStars(context.Background(), "user-1", "challenge-key", 3))
	require.True(t, gotRating)
	require.True(t, gotStars)
}

func TestRegisterHeartbeatDeregister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/servers":
			_ = json.NewEncoder(w).Encode(struct {
				Port int `json:"port"`
			}{Port: 7777})
		case r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	client := New(srv.URL)
	port, err := client.RegisterServer(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7777, port)

	require.NoError(t, client.Heartbeat(context.Background(), port))
	require.NoError(t, client.Deregister(context.Background(), port))
}
