// Package game implements the match actor (spec §4.4, "core of the
// core"): one instance per started lobby, driving the automaton through
// its phase cycle and fanning out per-viewer change sets to players,
// bots, and watchers.
package game

import (
	"context"
	"fmt"
	"time"

	"github.com/lattice-games/server/internal/connection"
	"github.com/lattice-games/server/internal/engine"
	"github.com/lattice-games/server/internal/lobby"
	"github.com/lattice-games/server/internal/protocol"
	"github.com/lattice-games/server/internal/webhook"
)

// DefaultPlanningTime is the fallback planning window when a lobby never
// set one explicitly.
const DefaultPlanningTime = 24 * time.Hour

// StagingGrace is the window after the awake broadcast during which
// stragglers may still submit orders (spec step 9).
const StagingGrace = 10 * time.Second

// Role is a participant's standing in the match.
type Role int

const (
	RolePlayer Role = iota
	RoleConnectedBot
	RoleLocalBot
	RoleWatcher
	RoleObserver
)

// RatingSink is where a finished or resigned player's result is reported;
// internal/rating.Rating implements this.
type RatingSink interface {
	Report(ctx context.Context, result protocol.GameResult) error
}

// AutomatonFactory builds the engine instance backing one match. Supplied
// by the caller (cmd/server) since the real automaton is an external
// collaborator the server never constructs itself (see engine package doc).
type AutomatonFactory func(colors []engine.Color) engine.Automaton

type participant struct {
	id       string // connection id, used for Dispatch/Leave routing
	userID   string // stable account id, used to match a reconnecting client
	username string
	handle   *connection.Handle
	role     Role
	color    engine.Color
	vision   engine.Vision

	isDefeated bool
	isRetired  bool
	hasSynced  bool

	orders    []protocol.RawChange
	submitted bool

	rated      bool
	matchType  string
	ffaPlayers int
	challenge  *string
}

// LocalBotAI is the synchronous planning hook for a bot with no
// connection of its own, handed the latest changes and asked for orders.
type LocalBotAI interface {
	Plan(changes []protocol.RawChange) []protocol.RawChange
}

// passiveBot is the default Tutorial opponent: it submits no orders every
// planning phase. A stand-in for a real scripted AI, which like the engine
// itself is an opaque external collaborator this server never implements.
type passiveBot struct{}

func (passiveBot) Plan(changes []protocol.RawChange) []protocol.RawChange { return nil }

type localBot struct {
	color   engine.Color
	ai      LocalBotAI
	pending chan []protocol.RawChange
}

// soleLocalBotColor reports the first reserved-but-unassigned color a
// caller should hand to AddLocalBot, used by the Tutorial flow's single
// bot opponent.
func (g *Game) soleLocalBotColor() (engine.Color, bool) {
	if len(g.reservedBotColors) == 0 {
		return 0, false
	}
	return g.reservedBotColors[0], true
}

// AddLocalBot registers a local (non-connected) AI for color c. Unlike
// players and connected bots, local bots have no Handle and no Dispatch
// path: the game actor drives their planning itself (step 7) and
// retrieves their orders synchronously in step 10.
func (g *Game) AddLocalBot(c engine.Color, ai LocalBotAI) {
	g.localBots = append(g.localBots, &localBot{color: c, ai: ai})
	if _, ok := g.byColor[c]; !ok {
		p := &participant{id: "bot:" + fmt.Sprint(int(c)), role: RoleLocalBot, color: c, handle: connection.Terminal()}
		g.byColor[c] = p
	}
}

// Game is the single-owner actor for one running match. All state is
// touched only from Run's own goroutine; every other method enqueues a
// request and waits for it to be serviced, the same pattern as
// internal/chat and internal/lobby.
type Game struct {
	id        string
	lobbyID   string
	ruleset   string
	automaton engine.Automaton
	rating    RatingSink

	planningTime time.Duration
	stagingGrace time.Duration

	participants map[string]*participant // by connection id
	byColor      map[engine.Color]*participant
	localBots    []*localBot

	isPublic     bool
	validSecrets func(secret string) bool

	phaseActionCount int
	over             bool

	briefing string
	skins    map[string]string

	// reservedBotColors are colors requested via extraBotColors but never
	// assigned to a member; the caller registers a LocalBot for each via
	// AddLocalBot once New returns.
	reservedBotColors []engine.Color

	notifiers []*webhook.Poster

	reqs chan request
	done chan struct{}
}

type request struct {
	fn   func() error
	done chan error
}

// MatchContext carries the rating-relevant facts about how a match was
// started, fixed for the whole match and stamped onto every player's
// eventual GameResult.
type MatchContext struct {
	MatchType   string
	FFAPlayers  int
	ChallengeID *string

	// Briefing, when non-empty, is sent to every participant as scripted
	// flavour text ahead of a tutorial or challenge match (spec.md §12).
	Briefing string
	// Skins maps a lobby member id to its chosen cosmetic skin, replayed to
	// every participant via the Skins message (spec.md §12).
	Skins map[string]string
}

// New builds a Game from a lobby's frozen membership. Members are assigned
// colors from engine.ColorPool() in join order; members past the end of the
// pool are admitted as watchers. extraBotColors reserves that
// many additional colors from the pool for local bots the caller will
// register with AddLocalBot after New returns (used by the Tutorial flow,
// where the lobby's sole human member needs an opponent the automaton
// itself doesn't supply).
func New(lobbyID, ruleset string, members []*lobby.Member, extraBotColors int, factory AutomatonFactory, rating RatingSink, planningTime *int, isPublic bool, validSecrets func(string) bool, mc MatchContext) *Game {
	pool := engine.ColorPool()

	g := &Game{
		id:           lobbyID,
		lobbyID:      lobbyID,
		ruleset:      ruleset,
		rating:       rating,
		participants: make(map[string]*participant),
		byColor:      make(map[engine.Color]*participant),
		isPublic:     isPublic,
		validSecrets: validSecrets,
		briefing:     mc.Briefing,
		skins:        mc.Skins,
		reqs:         make(chan request, 256),
		done:         make(chan struct{}),
	}

	if planningTime != nil {
		g.planningTime = time.Duration(*planningTime) * time.Second
	} else {
		g.planningTime = DefaultPlanningTime
	}
	g.stagingGrace = StagingGrace

	var colors []engine.Color
	next := 0
	for _, m := range members {
		if next >= len(pool) {
			// Past the color pool: admitted as a watcher from the start.
			g.participants[m.ID] = &participant{
				id: m.ID, userID: m.UserID, username: m.Username, handle: m.Handle,
				role: RoleWatcher, vision: engine.VisionNormal,
			}
			continue
		}
		c := pool[next]
		next++
		colors = append(colors, c)
		p := &participant{
			id: m.ID, userID: m.UserID, username: m.Username, handle: m.Handle, role: RolePlayer, color: c, rated: true,
			matchType: mc.MatchType, ffaPlayers: mc.FFAPlayers, challenge: mc.ChallengeID,
		}
		g.participants[m.ID] = p
		g.byColor[c] = p
	}

	for i := 0; i < extraBotColors && next < len(pool); i++ {
		colors = append(colors, pool[next])
		g.reservedBotColors = append(g.reservedBotColors, pool[next])
		next++
	}

	g.automaton = factory(colors)

	// A fresh match announces itself to every member the same way a
	// rejoin does: role, assigned color, and the (empty) replay bracket.
	for _, p := range g.participants {
		g.sendRejoinSequence(p)
	}

	return g
}

// Starter implements lobby.GameStarter: the Registry calls its StartGame
// when a lobby's owner starts the match.
type Starter struct {
	Factory   AutomatonFactory
	Rating    RatingSink
	Notifiers []*webhook.Poster
	OnDisband func(lobbyID string)
}

// NewStarter builds a Starter wired to the given automaton factory and
// rating sink. OnDisband, if set, is called when a match ends for any
// reason (game-over, abandonment, or engine error) so the caller can
// remove bookkeeping for the originating lobby.
func NewStarter(factory AutomatonFactory, rating RatingSink, onDisband func(string)) *Starter {
	return &Starter{Factory: factory, Rating: rating, OnDisband: onDisband}
}

var _ lobby.GameStarter = (*Starter)(nil)
var _ lobby.GameHandle = (*Game)(nil)

func (s *Starter) StartGame(ctx context.Context, lobbyID string, members []*lobby.Member, skins map[string]string, briefing string) (lobby.GameHandle, error) {
	mc := MatchContext{MatchType: matchTypeFor(len(members)), Skins: skins, Briefing: briefing}
	if len(members) > 2 {
		mc.FFAPlayers = len(members)
	}
	g := New(lobbyID, "default", members, 0, s.Factory, s.Rating, nil, true, nil, mc)
	g.SetNotifiers(s.Notifiers...)
	s.announceGameStarted(members, mc)
	go func() {
		_ = g.Run(context.Background())
		if s.OnDisband != nil {
			s.OnDisband(lobbyID)
		}
	}()
	return g, nil
}

// StartTutorial implements lobby.GameStarter's Tutorial hook: seeds a
// single-player lobby's sole human member into a match against a LocalBot,
// reserving one extra color from the pool for the bot (spec.md §12).
func (s *Starter) StartTutorial(ctx context.Context, lobbyID string, member *lobby.Member, challengeID, briefing string) (lobby.GameHandle, error) {
	var challenge *string
	if challengeID != "" {
		challenge = &challengeID
	}
	mc := MatchContext{MatchType: "Tutorial", ChallengeID: challenge, Briefing: briefing}
	g := New(lobbyID, "default", []*lobby.Member{member}, 1, s.Factory, s.Rating, nil, false, nil, mc)
	botColor, ok := g.soleLocalBotColor()
	if ok {
		g.AddLocalBot(botColor, passiveBot{})
	}
	g.SetNotifiers(s.Notifiers...)
	go func() {
		_ = g.Run(context.Background())
		if s.OnDisband != nil {
			s.OnDisband(lobbyID)
		}
	}()
	return g, nil
}

func (s *Starter) announceGameStarted(members []*lobby.Member, mc MatchContext) {
	if len(s.Notifiers) == 0 || len(members) != 2 {
		return
	}
	post := webhook.Post{
		Kind:         webhook.PostGameStarted,
		IsRated:      mc.MatchType != "Unrated",
		FirstPlayer:  members[0].Username,
		SecondPlayer: members[1].Username,
	}
	for _, n := range s.Notifiers {
		go n.Send(context.Background(), post)
	}
}

// matchTypeFor guesses a rating MatchType from lobby size, matching the
// teacher's precedent of deriving ambient defaults rather than requiring
// every caller to specify them: a 2-player match rates as
// FriendlyOneVsOne, anything larger as FreeForAll(n), per spec §4.5.
func matchTypeFor(n int) string {
	if n <= 2 {
		return "FriendlyOneVsOne"
	}
	return fmt.Sprintf("FreeForAll(%d)", n)
}

func (g *Game) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case g.reqs <- request{fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return fmt.Errorf("game %s: already finished", g.id)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainRequests services any queued external requests without blocking;
// called between phase steps and inside wait loops so Join/Leave/Sync/
// Orders/Resign are never starved by the phase cycle's own blocking waits.
func (g *Game) drainRequests() {
	for {
		select {
		case req := <-g.reqs:
			req.done <- req.fn()
		default:
			return
		}
	}
}

// Run drives the phase cycle until the match ends. On game-over it reports
// the final state to rating, then lingers until the last client leaves; on
// an engine error it reports without a victory and returns the error; an
// abandoned match returns without reporting.
func (g *Game) Run(ctx context.Context) error {
	defer close(g.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-g.reqs:
			req.done <- req.fn()
		default:
		}

		abandoned, err := g.runPhase(ctx)
		if err != nil {
			g.reportAll(ctx, false)
			return fmt.Errorf("game %s: engine error: %w", g.id, err)
		}
		if abandoned {
			return nil
		}
		if g.automaton.IsGameOver() {
			g.reportAll(ctx, true)
			return g.lingerUntilEmpty(ctx)
		}
	}
}

// runPhase executes one full iteration of the ten-step cycle in spec
// §4.4. It returns abandoned=true if every connected human vanished
// during the Rest step.
func (g *Game) runPhase(ctx context.Context) (bool, error) {
	// 1. Act.
	for g.automaton.IsActive() {
		cs := g.automaton.Act()
		g.broadcast(ctx, cs)
		g.drainRequests()
	}

	// 2. Mark defeat.
	for _, c := range g.automaton.Defeated() {
		if p, ok := g.byColor[c]; ok {
			p.isDefeated = true
		}
	}

	// 3. Rest: wait for every connected human (players, or watchers if no
	// players remain) to Sync.
	if err := g.waitForSyncs(ctx); err != nil {
		return false, err
	}

	// 4. End-of-game check.
	if g.automaton.IsGameOver() {
		return false, nil
	}
	if !g.anyConnectedHuman() {
		return true, nil
	}

	// 5. Ensure live players.
	if g.hasAnyPlayer() {
		if err := g.waitForLivePlayer(ctx); err != nil {
			return false, err
		}
	}

	// 6. Sync out.
	for _, p := range g.participants {
		p.hasSynced = false
	}
	remaining := int(g.planningTime / time.Second)
	g.sendToHumans(&protocol.Sync{TimeRemainingInSeconds: &remaining})
	g.automaton.Hibernate()

	// 7. Local-bot planning (fire and forget; results collected in step 10).
	awakeCS := g.automaton.Awake()
	for _, lb := range g.localBots {
		lb.pending = make(chan []protocol.RawChange, 1)
		changes := awakeCS.Get(engine.ColorViewer(lb.color))
		go func(lb *localBot, changes []protocol.RawChange) {
			lb.pending <- lb.ai.Plan(changes)
		}(lb, changes)
	}

	// 8. Plan: await orders or timer.
	if err := g.waitForOrders(ctx); err != nil {
		return false, err
	}

	// 9. Awake + stage.
	g.broadcast(ctx, awakeCS)
	g.stage(ctx)

	// 10. Collect orders.
	for _, p := range g.participants {
		if p.role != RolePlayer && p.role != RoleConnectedBot {
			continue
		}
		if p.isDefeated || p.isRetired {
			continue
		}
		g.automaton.Receive(p.color, p.orders)
		p.orders = nil
		p.submitted = false
	}
	for _, lb := range g.localBots {
		p := g.byColor[lb.color]
		if p != nil && (p.isDefeated || p.isRetired) {
			continue
		}
		g.automaton.Receive(lb.color, <-lb.pending)
	}
	cs := g.automaton.Prepare()
	g.broadcast(ctx, cs)
	g.phaseActionCount++

	return false, nil
}

// waitForSyncs blocks until every connected human participant (falling
// back to watchers if every player is gone) has Synced, servicing Join/
// Leave/Sync/Orders/Resign requests as they arrive.
func (g *Game) waitForSyncs(ctx context.Context) error {
	for {
		if g.allHumansSynced() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-g.reqs:
			req.done <- req.fn()
		}
	}
}

func (g *Game) allHumansSynced() bool {
	humans := g.connectedHumans()
	if len(humans) == 0 {
		return true
	}
	for _, p := range humans {
		if !p.hasSynced {
			return false
		}
	}
	return true
}

// connectedHumans returns connected players, or connected watchers if no
// player remains at all (spec step 3's fallback).
func (g *Game) connectedHumans() []*participant {
	var players []*participant
	for _, p := range g.participants {
		if p.role == RolePlayer && !p.isDefeated && !p.isRetired && p.handle.Connected() {
			players = append(players, p)
		}
	}
	if len(players) > 0 || g.hasAnyPlayer() {
		return players
	}
	var watchers []*participant
	for _, p := range g.participants {
		if p.role == RoleWatcher && p.handle.Connected() {
			watchers = append(watchers, p)
		}
	}
	return watchers
}

func (g *Game) hasAnyPlayer() bool {
	for _, p := range g.participants {
		if p.role == RolePlayer {
			return true
		}
	}
	return false
}

func (g *Game) anyConnectedHuman() bool {
	for _, p := range g.participants {
		if p.role != RoleObserver && p.handle.Connected() {
			return true
		}
	}
	return false
}

func (g *Game) waitForLivePlayer(ctx context.Context) error {
	for {
		if g.hasLivePlayer() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-g.reqs:
			req.done <- req.fn()
		}
	}
}

func (g *Game) hasLivePlayer() bool {
	for _, p := range g.participants {
		if p.role == RolePlayer && !p.isDefeated && !p.isRetired && p.handle.Connected() {
			return true
		}
	}
	return false
}

// waitForOrders blocks until every non-defeated, non-retired connected
// player and bot has submitted orders, the planning timer elapses, or
// fewer than two potential winners remain.
func (g *Game) waitForOrders(ctx context.Context) error {
	timer := time.NewTimer(g.planningTime)
	defer timer.Stop()

	for {
		if g.allOrdersIn() || g.fewerThanTwoContenders() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case req := <-g.reqs:
			req.done <- req.fn()
		}
	}
}

func (g *Game) allOrdersIn() bool {
	for _, p := range g.participants {
		if (p.role != RolePlayer && p.role != RoleConnectedBot) || p.isDefeated || p.isRetired {
			continue
		}
		if !p.handle.Connected() {
			continue
		}
		if !p.submitted {
			return false
		}
	}
	return true
}

func (g *Game) fewerThanTwoContenders() bool {
	live := 0
	for _, p := range g.byColor {
		if !p.isDefeated && !p.isRetired {
			live++
		}
	}
	return live < 2
}

// SetNotifiers wires the Discord/Slack posters a finished 1v1 match
// announces its result to (spec.md §2's DiscordApi/SlackApi support actors).
func (g *Game) SetNotifiers(posters ...*webhook.Poster) {
	g.notifiers = posters
}

// SetStagingGraceForTest overrides the staging window, avoiding real
// 10-second waits in tests that drive the full phase cycle.
func (g *Game) SetStagingGraceForTest(d time.Duration) {
	g.stagingGrace = d
}

// stage runs the grace window after the awake broadcast, continuing to
// accept stragglers' orders.
func (g *Game) stage(ctx context.Context) {
	timer := time.NewTimer(g.stagingGrace)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case req := <-g.reqs:
			req.done <- req.fn()
		}
	}
}

// broadcast delivers cset to every connected recipient using the
// viewer-keyed rule: players/connected bots see their color's slice,
// watchers see their fixed vision level's slice.
func (g *Game) broadcast(ctx context.Context, cs *engine.ChangeSet) {
	if cs == nil {
		return
	}
	for _, p := range g.participants {
		var changes []protocol.RawChange
		switch p.role {
		case RolePlayer, RoleConnectedBot:
			changes = cs.Get(engine.ColorViewer(p.color))
		case RoleWatcher, RoleObserver:
			changes = cs.Get(engine.VisionViewer(p.vision))
		}
		if changes == nil {
			continue
		}
		_ = p.handle.Send(&protocol.Changes{Changes: changes})
	}
}

func (g *Game) sendToHumans(msg protocol.Message) {
	for _, p := range g.participants {
		if p.role == RoleObserver {
			continue
		}
		_ = p.handle.Send(msg)
	}
}

// reportAll pushes a GameResult for every rated player once the match
// concludes, then clears their rating eligibility so late messages don't
// double-report.
func (g *Game) reportAll(ctx context.Context, victoriousByScore bool) {
	var players []*participant
	topScore := -1
	for _, p := range g.participants {
		if p.role != RolePlayer {
			continue
		}
		players = append(players, p)
		if s := g.automaton.Score(p.color); s > topScore {
			topScore = s
		}
	}

	if g.rating != nil {
		for _, p := range players {
			if !p.rated {
				continue
			}
			score := g.automaton.Score(p.color)
			result := protocol.GameResult{
				UserID:       ratingKey(p),
				IsRated:      g.phaseActionCount >= 3,
				IsVictorious: victoriousByScore && score == topScore && !p.isDefeated,
				Score:        score,
				MatchType:    p.matchType,
				FFAPlayers:   p.ffaPlayers,
				Challenge:    p.challenge,
			}
			_ = g.rating.Report(ctx, result)
			p.rated = false
		}
	}

	g.announceGameEnded(players)
}

// announceGameEnded posts a game_ended notice for the common 1v1 case;
// webhook.Post's First/Second fields mirror the teacher's original
// Discord/Slack payload shape, which only ever described two-player
// matches, so free-for-all results with more than two players are not
// announced.
func (g *Game) announceGameEnded(players []*participant) {
	if len(g.notifiers) == 0 || len(players) != 2 {
		return
	}
	a, b := players[0], players[1]
	post := webhook.Post{
		Kind:           webhook.PostGameEnded,
		IsRated:        a.rated,
		FirstPlayer:    a.username,
		SecondPlayer:   b.username,
		Ruleset:        g.ruleset,
		FirstDefeated:  a.isDefeated,
		FirstScore:     g.automaton.Score(a.color),
		SecondDefeated: b.isDefeated,
		SecondScore:    g.automaton.Score(b.color),
	}
	for _, n := range g.notifiers {
		go n.Send(context.Background(), post)
	}
}

// ratingKey is the identity a rating sink should key a player's result by:
// the stable account user_id when known, falling back to the connection id
// for bots and tests that never carry one.
func ratingKey(p *participant) string {
	if p.userID != "" {
		return p.userID
	}
	return p.id
}

// lingerUntilEmpty implements post-game linger: the actor keeps servicing
// Leave requests (no new Joins) until the last client departs.
func (g *Game) lingerUntilEmpty(ctx context.Context) error {
	g.over = true
	for {
		if len(g.participants) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-g.reqs:
			req.done <- req.fn()
		}
	}
}
