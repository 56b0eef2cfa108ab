package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscordSendSuccess(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	poster := NewDiscord(srv.URL)
	poster.Send(context.Background(), Post{Kind: PostLink, DiscordID: "d1", Username: "alice"})

	require.Contains(t, gotBody["content"], "alice")
}

func TestNilPosterDoesNotPanic(t *testing.T) {
	var poster *Poster
	poster.Send(context.Background(), Post{Kind: PostLink, DiscordID: "d1", Username: "alice"})
}

func TestSendRetriesOnRateLimit(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rateLimitResponse{RetryAfterMS: 1})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	poster := NewSlack(srv.URL, "#general", "arena-bot")
	poster.Send(context.Background(), Post{Kind: PostGameEnded, FirstPlayer: "a", SecondPlayer: "b"})

	require.Equal(t, int32(2), attempts.Load())
}

func TestNewWithEmptyURLReturnsNil(t *testing.T) {
	require.Nil(t, NewDiscord(""))
	require.Nil(t, NewSlack("", "", ""))
}
