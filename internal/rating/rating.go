// Package rating implements the rating/stars actor (spec §4.5): one
// Entry per user_id, updated on each GameResult and pushed to the
// identity service.
package rating

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lattice-games/server/internal/connection"
	"github.com/lattice-games/server/internal/identity"
	"github.com/lattice-games/server/internal/protocol"
)

// Data is the cached rating/star state for one account, the payload
// broadcast to watchers on every change.
type Data struct {
	Rating      float64
	Stars       int
	RecentStars int
}

// Entry caches one account's rating data, its watch channel, and the
// client handle to push live updates to, when connected.
type Entry struct {
	data      Data
	broadcast chan Data
	handle    *connection.Handle
}

// Watch returns a channel that receives this entry's Data on every
// change; buffered so a slow or absent watcher never blocks a report.
func (e *Entry) Watch() <-chan Data { return e.broadcast }

func (e *Entry) publish() {
	select {
	case e.broadcast <- e.data:
	default:
	}
}

type request struct {
	fn   func() error
	done chan error
}

// Rating is the single-owner actor caching every logged-in account's
// rating entry. Like Chat and Lobby, state is touched only from its own
// Run loop.
type Rating struct {
	identity *identity.Client
	log      *slog.Logger

	currentChallengeID string

	entries map[string]*Entry
	reqs    chan request
}

// New builds a Rating actor pushing updates through identityClient.
// currentChallengeID scopes which challenge's awarded_stars count
// (spec §4.5: "if challenge == current_challenge_id").
func New(identityClient *identity.Client, currentChallengeID string, log *slog.Logger) *Rating {
	if log == nil {
		log = slog.Default()
	}
	return &Rating{
		identity:           identityClient,
		log:                log,
		currentChallengeID: currentChallengeID,
		entries:            make(map[string]*Entry),
		reqs:               make(chan request, 256),
	}
}

// Run drains the actor's request queue until ctx is cancelled.
func (r *Rating) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-r.reqs:
			req.done <- req.fn()
		}
	}
}

func (r *Rating) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case r.reqs <- request{fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RememberLogin seeds (or refreshes) an account's cached entry with the
// data returned by the identity service at login time, and attaches its
// live handle so updates can be pushed immediately.
func (r *Rating) RememberLogin(ctx context.Context, userID string, login connection.LoginData, handle *connection.Handle) error {
	return r.call(ctx, func() error {
		e, ok := r.entries[userID]
		if !ok {
			e = &Entry{broadcast: make(chan Data, 8)}
			r.entries[userID] = e
		}
		e.data = Data{Rating: login.Rating, Stars: login.Stars, RecentStars: login.RecentStars}
		e.handle = handle
		return nil
	})
}

// Watch returns the broadcast channel for userID, creating an entry with
// zero data if none exists yet (e.g. a watcher looking up a stranger's
// rating before that account has ever logged in this process).
func (r *Rating) Watch(ctx context.Context, userID string) (<-chan Data, error) {
	var ch <-chan Data
	err := r.call(ctx, func() error {
		e, ok := r.entries[userID]
		if !ok {
			e = &Entry{broadcast: make(chan Data, 8)}
			r.entries[userID] = e
		}
		ch = e.broadcast
		return nil
	})
	return ch, err
}

// Report implements game.RatingSink: applies one GameResult's rating
// adjustment and star award, pushes both to the identity service, and
// notifies the client and any watchers.
func (r *Rating) Report(ctx context.Context, result protocol.GameResult) error {
	return r.call(ctx, func() error {
		e, ok := r.entries[result.UserID]
		if !ok {
			e = &Entry{broadcast: make(chan Data, 8)}
			r.entries[result.UserID] = e
		}

		if result.IsRated {
			e.data.Rating = adjust(e.data.Rating, result.Score, result.MatchType, result.FFAPlayers)
			if r.identity != nil {
				if err := r.identity.UpdateRating(ctx, result.UserID, e.data.Rating); err != nil {
					r.log.Warn("rating: failed to push updated rating", "user_id", result.UserID, "error", err)
				}
			}
			if e.handle != nil {
				_ = e.handle.Send(&protocol.UpdatedRating{Rating: e.data.Rating})
			}
		}

		if result.Challenge != nil && *result.Challenge == r.currentChallengeID && result.AwardedStars > e.data.RecentStars {
			gained := result.AwardedStars - e.data.RecentStars
			e.data.Stars += gained
			e.data.RecentStars = result.AwardedStars
			if r.identity != nil {
				if err := r.identity.AwardStars(ctx, result.UserID, r.currentChallengeID, e.data.Stars); err != nil {
					r.log.Warn("rating: failed to push awarded stars", "user_id", result.UserID, "error", err)
				}
			}
			if e.handle != nil {
				_ = e.handle.Send(&protocol.RecentStars{Stars: e.data.RecentStars})
			}
		}

		e.publish()
		return nil
	})
}

// adjust implements the spec §4.5 rating-adjustment formula in tenths of
// a point, returning the new rating as a float.
func adjust(rating float64, score int, matchType string, ffaPlayers int) float64 {
	r10 := clamp1000(round(rating * 10))
	s10 := clamp1000(score * 10)

	gainPct, lossPct, rated := percentagesFor(matchType, ffaPlayers)
	if !rated {
		return rating
	}

	if r10 < 90 {
		floor := 10 - r10/10
		if floor > gainPct {
			gainPct = floor
		}
	}

	var newR10 int
	switch {
	case s10 > r10:
		delta := maxInt(1, gainPct*(s10-r10)/100)
		newR10 = clamp1000(r10 + delta)
	case s10 < r10:
		delta := maxInt(1, lossPct*(r10-s10)/100)
		newR10 = clamp1000(r10 - delta)
	default:
		newR10 = r10
	}
	return float64(newR10) / 10.0
}

// percentagesFor resolves a MatchType string (e.g. "Competitive",
// "FriendlyOneVsOne", "FreeForAll(4)", "VersusAi", "Unrated") to its
// gain/loss percentages per spec §4.5.
func percentagesFor(matchType string, ffaPlayers int) (gainPct, lossPct int, rated bool) {
	switch {
	case matchType == "Competitive":
		return 10, 10, true
	case matchType == "FriendlyOneVsOne":
		return 5, 5, true
	case strings.HasPrefix(matchType, "FreeForAll"):
		n := ffaPlayers
		if paren := strings.TrimPrefix(matchType, "FreeForAll("); paren != matchType {
			if v, err := strconv.Atoi(strings.TrimSuffix(paren, ")")); err == nil {
				n = v
			}
		}
		return n, 1, true
	case matchType == "VersusAi":
		return 1, 1, true
	default: // "Unrated" or unknown
		return 0, 0, false
	}
}

func round(f float64) int {
	if f >= 0 {
		return int(f + 0.5)
	}
	return int(f - 0.5)
}

func clamp1000(n int) int {
	if n < 0 {
		return 0
	}
	if n > 1000 {
		return 1000
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
