// Package webhook posts game lifecycle notices to Discord and Slack. Both
// posters are optional collaborators: when a server isn't configured, posts
// are simply logged instead of sent, matching the original "Setup{connection:
// None}" fallback.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Poster sends a pre-rendered post, retrying on Discord/Slack rate limits.
type Poster struct {
	http *http.Client
	url  string
	// render turns a Post into the outbound JSON body this poster expects
	// ({"content": ...} for Discord, {"channel","username","icon_emoji","text"}
	// for Slack).
	render func(Post) ([]byte, error)
	log    *slog.Logger
}

// Post is a game lifecycle notice shared by both Discord and Slack posters.
type Post struct {
	Kind string `json:"type"`

	// GameStarted / GameEnded fields.
	IsRated            bool
	FirstPlayer        string
	SecondPlayer       string
	Map                string
	Ruleset            string
	PlanningTimeSeconds int
	FirstDefeated      bool
	FirstScore         int
	SecondDefeated     bool
	SecondScore        int

	// Link fields (account linking confirmation).
	DiscordID string
	Username  string
}

const (
	PostGameStarted = "game_started"
	PostGameEnded   = "game_ended"
	PostLink        = "link"
)

func discordRender(p Post) ([]byte, error) {
	content, err := renderContent(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Content string `json:"content"`
	}{Content: content})
}

func slackRender(channelName, username string) func(Post) ([]byte, error) {
	return func(p Post) ([]byte, error) {
		content, err := renderContent(p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Channel   string `json:"channel"`
			Username  string `json:"username"`
			IconEmoji string `json:"icon_emoji"`
			Text      string `json:"text"`
		}{Channel: channelName, Username: username, IconEmoji: ":video_game:", Text: content})
	}
}

func renderContent(p Post) (string, error) {
	switch p.Kind {
	case PostGameStarted:
		return fmt.Sprintf("%s vs %s started a %s game on %s (ruleset %s, %ds planning)",
			p.FirstPlayer, p.SecondPlayer, ratedLabel(p.IsRated), p.Map, p.Ruleset, p.PlanningTimeSeconds), nil
	case PostGameEnded:
		return fmt.Sprintf("%s (%s, score %d) vs %s (%s, score %d) ended",
			p.FirstPlayer, defeatLabel(p.FirstDefeated), p.FirstScore,
			p.SecondPlayer, defeatLabel(p.SecondDefeated), p.SecondScore), nil
	case PostLink:
		return fmt.Sprintf("Linked Discord account %s to %s", p.DiscordID, p.Username), nil
	default:
		return "", fmt.Errorf("webhook: unknown post kind %q", p.Kind)
	}
}

func ratedLabel(rated bool) string {
	if rated {
		return "rated"
	}
	return "unrated"
}

func defeatLabel(defeated bool) string {
	if defeated {
		return "defeated"
	}
	return "victorious"
}

// NewDiscord builds a Discord webhook poster, or nil if url is empty.
func NewDiscord(url string) *Poster {
	if url == "" {
		return nil
	}
	return &Poster{
		http:   &http.Client{Timeout: 10 * time.Second},
		url:    url,
		render: discordRender,
		log:    slog.With("webhook", "discord"),
	}
}

// NewSlack builds a Slack webhook poster, or nil if url is empty.
func NewSlack(url, channelName, username string) *Poster {
	if url == "" {
		return nil
	}
	return &Poster{
		http:   &http.Client{Timeout: 10 * time.Second},
		url:    url,
		render: slackRender(channelName, username),
		log:    slog.With("webhook", "slack"),
	}
}

type rateLimitResponse struct {
	RetryAfterMS int64 `json:"retry_after"`
}

// Send posts p, retrying while the endpoint responds 429 with a
// "retry_after" hint honoured verbatim, as both webhook contracts require.
// If poster is nil (no URL configured) the post is logged instead.
func (p *Poster) Send(ctx context.Context, post Post) {
	if p == nil {
		content, err := renderContent(post)
		if err != nil {
			slog.Error("webhook: rendering post", "error", err)
			return
		}
		slog.Debug("webhook disabled, logging post instead", "content", content)
		return
	}

	body, err := p.render(post)
	if err != nil {
		p.log.Error("rendering post", "error", err)
		return
	}

	for {
		retryAfter, err := p.trySend(ctx, body)
		if err != nil {
			p.log.Error("sending post", "error", err)
			return
		}
		if retryAfter <= 0 {
			return
		}
		p.log.Warn("rate limited, retrying", "retry_after_ms", retryAfter.Milliseconds())
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return
		}
	}
}

// trySend returns a positive retry delay when rate-limited, or zero on
// success; a non-nil error means the post failed outright.
func (p *Poster) trySend(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: posting: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var rl rateLimitResponse
		if err := json.NewDecoder(resp.Body).Decode(&rl); err != nil {
			return 0, fmt.Errorf("webhook: decoding rate limit response: %w", err)
		}
		return time.Duration(rl.RetryAfterMS) * time.Millisecond, nil
	}

	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("webhook: endpoint returned HTTP %d", resp.StatusCode)
	}
	return 0, nil
}
