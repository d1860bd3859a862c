package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/park285/gridmatch/internal/game"
	"github.com/park285/gridmatch/internal/notify"
	"github.com/park285/gridmatch/internal/obslog"
	"github.com/park285/gridmatch/internal/rating"
	"go.uber.org/zap"
)

// Games is the game collaborator a claim hands the pair to.
type Games interface {
	CreateGame(ctx context.Context, player1 string, boardSize int) (string, error)
	JoinGame(ctx context.Context, gameID, player2 string) error
	AbortGame(ctx context.Context, gameID string) error
	ActiveByPlayer(ctx context.Context, playerID string) (*game.Game, error)
}

const (
	joinAttempts = 3
	joinBackoff  = 50 * time.Millisecond
)

// RatingSource supplies the rating snapshot taken at join time.
type RatingSource interface {
	Current(ctx context.Context, playerID string) (*rating.PlayerRating, error)
}

type Options struct {
	PollInterval    time.Duration
	ExpandInterval  time.Duration
	ExpandStep      int
	MaxRadiusFactor int
	CandidateLimit  int
}

func DefaultOptions() Options {
	return Options{
		PollInterval:    2 * time.Second,
		ExpandInterval:  30 * time.Second,
		ExpandStep:      50,
		MaxRadiusFactor: 3,
		CandidateLimit:  10,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 { o.PollInterval = d.PollInterval }
	if o.ExpandInterval <= 0 { o.ExpandInterval = d.ExpandInterval }
	if o.ExpandStep <= 0 { o.ExpandStep = d.ExpandStep }
	if o.MaxRadiusFactor <= 0 { o.MaxRadiusFactor = d.MaxRadiusFactor }
	if o.CandidateLimit <= 0 { o.CandidateLimit = d.CandidateLimit }
	return o
}

type search struct {
	entryID string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Coordinator runs one search goroutine per searching entry.
type Coordinator struct {
	store   *Store
	games   Games
	ratings RatingSource
	sink    notify.Sink
	opts    Options
	now     func() time.Time
	log     *zap.Logger

	root     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	searches map[string]*search // by player id

	conflicts atomic.Int64
}

func NewCoordinator(store *Store, games Games, ratings RatingSource, sink notify.Sink, opts Options) *Coordinator {
	if sink == nil {
		sink = notify.LogSink{}
	}
	root, stop := context.WithCancel(context.Background())
	return &Coordinator{
		store:    store,
		games:    games,
		ratings:  ratings,
		sink:     sink,
		opts:     opts.withDefaults(),
		now:      time.Now,
		log:      obslog.Named("matchmaking"),
		root:     root,
		stop:     stop,
		searches: make(map[string]*search),
	}
}

// SetClock replaces the wall clock; tests only.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Join enqueues the player, or returns the player's existing searching entry.
// A player still seated in a waiting or active game is refused with ErrInGame.
func (c *Coordinator) Join(ctx context.Context, playerID string, prefs Preferences) (*QueueEntry, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" { return nil, ErrInvalidPlayer }
	prefs = prefs.Normalize()
	if err := prefs.Validate(); err != nil { return nil, err }

	g, err := c.games.ActiveByPlayer(ctx, playerID)
	if err != nil { return nil, fmt.Errorf("load active game: %w", err) }
	if g != nil { return nil, fmt.Errorf("%w: %s", ErrInGame, g.ID) }

	r, err := c.ratings.Current(ctx, playerID)
	if err != nil { return nil, fmt.Errorf("load rating: %w", err) }

	now := c.now()
	e := &QueueEntry{
		ID:            uuid.NewString(),
		PlayerID:      playerID,
		Preferences:   prefs,
		Rating:        r.Rating,
		Status:        StatusSearching,
		JoinedAt:      now,
		InitialRadius: prefs.MaxRatingDiff,
		CurrentRadius: prefs.MaxRatingDiff,
		MaxWait:       prefs.MaxWait,
		UpdatedAt:     now,
	}
	got, created, err := c.store.Create(ctx, e)
	if err != nil { return nil, err }
	c.startSearch(got)
	if created {
		c.log.Info("queue_join",
			zap.String("player_id", playerID),
			zap.String("entry_id", got.ID),
			zap.Int("rating", got.Rating),
			zap.String("class", string(prefs.QueueClass)),
			zap.Ints("board_sizes", prefs.BoardSizes),
		)
		c.notify(ctx, playerID, notify.Event{Type: notify.EventQueueUpdate, Payload: map[string]any{
			"status": string(StatusSearching), "entry_id": got.ID, "queue_class": string(prefs.QueueClass),
			"rating": got.Rating, "radius": got.CurrentRadius,
		}})
	}
	return got, nil
}

// Leave stops the player's search and cancels the entry. It reports false when
// there was nothing to cancel, including when a claim already matched the player.
func (c *Coordinator) Leave(ctx context.Context, playerID string) (bool, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" { return false, ErrInvalidPlayer }
	c.stopSearch(playerID, true)

	e, err := c.store.ActiveByPlayer(ctx, playerID)
	if err != nil { return false, err }
	if e == nil { return false, nil }
	if _, err := c.store.Transition(ctx, e.ID, StatusCancelled, c.now()); err != nil {
		if errors.Is(err, ErrNotSearching) || errors.Is(err, ErrNotFound) { return false, nil }
		return false, err
	}
	c.log.Info("queue_leave", zap.String("player_id", playerID), zap.String("entry_id", e.ID))
	c.notify(ctx, playerID, notify.Event{Type: notify.EventQueueUpdate, Payload: map[string]any{
		"status": string(StatusCancelled), "entry_id": e.ID,
	}})
	return true, nil
}

// Status aggregates the shared queue plus this process's live searches.
func (c *Coordinator) Status(ctx context.Context) (QueueStatus, error) {
	counts, err := c.store.Counts(ctx, c.now())
	if err != nil { return QueueStatus{}, err }
	st := QueueStatus{ByClass: counts, ClaimConflicts: c.conflicts.Load()}
	for _, cs := range counts {
		st.TotalSearching += cs.Searching
	}
	c.mu.Lock()
	st.ActiveSearches = len(c.searches)
	c.mu.Unlock()
	return st, nil
}

// Resume starts search goroutines for entries still searching in the store,
// e.g. after a restart.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	entries, err := c.store.Searching(ctx)
	if err != nil { return 0, err }
	for _, e := range entries {
		c.startSearch(e)
	}
	if len(entries) > 0 {
		c.log.Info("queue_resume", zap.Int("entries", len(entries)))
	}
	return len(entries), nil
}

// Shutdown stops every search goroutine and waits for them. Entries stay
// searching in the store so Resume can pick them up.
func (c *Coordinator) Shutdown() {
	c.stop()
	c.wg.Wait()
}

func (c *Coordinator) startSearch(e *QueueEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root.Err() != nil { return }
	if cur, ok := c.searches[e.PlayerID]; ok && cur.entryID == e.ID { return }
	ctx, cancel := context.WithCancel(c.root)
	s := &search{entryID: e.ID, cancel: cancel, done: make(chan struct{})}
	c.searches[e.PlayerID] = s
	c.wg.Add(1)
	go c.run(ctx, s, e.ID, e.PlayerID)
}

// stopSearch cancels the player's search goroutine; wait blocks until it has exited.
func (c *Coordinator) stopSearch(playerID string, wait bool) {
	c.mu.Lock()
	s, ok := c.searches[playerID]
	c.mu.Unlock()
	if !ok { return }
	s.cancel()
	if wait {
		<-s.done
	}
}

func (c *Coordinator) run(ctx context.Context, s *search, entryID, playerID string) {
	defer func() {
		c.mu.Lock()
		if cur, ok := c.searches[playerID]; ok && cur == s {
			delete(c.searches, playerID)
		}
		c.mu.Unlock()
		s.cancel()
		close(s.done)
		c.wg.Done()
	}()

	for {
		if ctx.Err() != nil { return }
		e, err := c.store.Get(ctx, entryID)
		switch {
		case errors.Is(err, ErrNotFound):
			return
		case err != nil:
			if ctx.Err() != nil { return }
			c.log.Warn("queue_read_failed", zap.String("entry_id", entryID), zap.Error(err))
		case e.Status != StatusSearching:
			return
		default:
			if c.tryMatch(ctx, e) { return }
			now := c.now()
			if c.expired(ctx, e, now) { return }
			c.maybeExpand(ctx, e, now)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// tryMatch scores the current candidates and claims the best acceptable one.
func (c *Coordinator) tryMatch(ctx context.Context, e *QueueEntry) bool {
	cands, err := c.store.Candidates(ctx, e, c.opts.CandidateLimit)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("queue_candidates_failed", zap.String("entry_id", e.ID), zap.Error(err))
		}
		return false
	}
	var (
		best      *QueueEntry
		bestScore float64
	)
	for _, o := range cands {
		sc := Score(e.Preferences, o.Preferences, e.Rating, o.Rating)
		if !Acceptable(sc) || CommonBoardSize(e.Preferences, o.Preferences) == 0 { continue }
		if best == nil || sc > bestScore {
			best, bestScore = o, sc
		}
	}
	if best == nil { return false }
	return c.claim(ctx, e, best, bestScore)
}

func (c *Coordinator) claim(ctx context.Context, e, o *QueueEntry, score float64) bool {
	if ctx.Err() != nil { return false }
	boardSize := CommonBoardSize(e.Preferences, o.Preferences)
	gameID, err := c.games.CreateGame(ctx, e.PlayerID, boardSize)
	if err != nil {
		c.log.Warn("match_game_create_failed", zap.String("entry_id", e.ID), zap.Error(err))
		return false
	}
	now := c.now()
	rec := &MatchRecord{
		ID:               uuid.NewString(),
		GameID:           gameID,
		Player1:          e.PlayerID,
		Player2:          o.PlayerID,
		BoardSize:        boardSize,
		RatingDifference: absInt(e.Rating - o.Rating),
		WaitPlayer1:      e.Waited(now).Seconds(),
		WaitPlayer2:      o.Waited(now).Seconds(),
		Score:            score,
		QueueClass:       e.Preferences.QueueClass,
		CreatedAt:        now,
	}
	if err := c.store.Claim(ctx, e.ID, o.ID, rec); err != nil {
		if errors.Is(err, ErrClaimConflict) {
			c.conflicts.Add(1)
			c.log.Debug("match_claim_conflict", zap.String("entry_id", e.ID), zap.String("candidate_id", o.ID))
		} else if ctx.Err() == nil {
			c.log.Warn("match_claim_failed", zap.String("entry_id", e.ID), zap.Error(err))
		}
		if aerr := c.games.AbortGame(context.WithoutCancel(ctx), gameID); aerr != nil {
			c.log.Warn("match_game_abort_failed", zap.String("game_id", gameID), zap.Error(aerr))
		}
		return false
	}

	// the pair is committed; finish even if a leave cancels ctx now
	ctx = context.WithoutCancel(ctx)
	c.stopSearch(o.PlayerID, false)
	if err := c.seat(ctx, gameID, o.PlayerID); err != nil {
		c.abandon(ctx, rec, err)
		return true
	}
	c.log.Info("match_found",
		zap.String("match_id", rec.ID),
		zap.String("game_id", gameID),
		zap.String("player1", rec.Player1),
		zap.String("player2", rec.Player2),
		zap.Int("board_size", boardSize),
		zap.Int("rating_difference", rec.RatingDifference),
		zap.Float64("score", score),
	)
	for _, pair := range [][2]*QueueEntry{{e, o}, {o, e}} {
		c.notify(ctx, pair[0].PlayerID, notify.Event{Type: notify.EventMatchFound, Payload: map[string]any{
			"match_id": rec.ID, "game_id": gameID, "opponent": pair[1].PlayerID, "opponent_rating": pair[1].Rating,
			"board_size": boardSize, "rating_difference": rec.RatingDifference,
		}})
	}
	return true
}

// seat retries JoinGame a few times; the pair is already committed, so a
// transient failure should not cost them the match.
func (c *Coordinator) seat(ctx context.Context, gameID, playerID string) error {
	var err error
	for attempt := 1; attempt <= joinAttempts; attempt++ {
		if err = c.games.JoinGame(ctx, gameID, playerID); err == nil { return nil }
		c.log.Warn("match_game_join_retry", zap.String("game_id", gameID), zap.String("player_id", playerID),
			zap.Int("attempt", attempt), zap.Error(err))
		if attempt < joinAttempts {
			time.Sleep(time.Duration(attempt) * joinBackoff)
		}
	}
	return err
}

// abandon aborts a claimed match whose game never started and tells both
// players so they can queue again.
func (c *Coordinator) abandon(ctx context.Context, rec *MatchRecord, cause error) {
	c.log.Error("match_game_join_failed", zap.String("match_id", rec.ID), zap.String("game_id", rec.GameID), zap.Error(cause))
	if err := c.games.AbortGame(ctx, rec.GameID); err != nil {
		c.log.Warn("match_game_abort_failed", zap.String("game_id", rec.GameID), zap.Error(err))
	}
	if _, _, err := c.store.AbortMatch(ctx, rec.ID, c.now()); err != nil {
		c.log.Warn("match_abort_record_failed", zap.String("match_id", rec.ID), zap.Error(err))
	}
	for _, pl := range []string{rec.Player1, rec.Player2} {
		c.notify(ctx, pl, notify.Event{Type: notify.EventQueueUpdate, Payload: map[string]any{
			"status": OutcomeAborted, "match_id": rec.ID, "game_id": rec.GameID,
		}})
	}
}

// expired times the entry out once its wait exceeds MaxWait.
func (c *Coordinator) expired(ctx context.Context, e *QueueEntry, now time.Time) bool {
	if e.Waited(now) <= e.MaxWait.Std() { return false }
	if _, err := c.store.Transition(ctx, e.ID, StatusTimedOut, now); err != nil {
		// a claim that won the race leaves the entry matched; the next read exits
		if !errors.Is(err, ErrNotSearching) && ctx.Err() == nil {
			c.log.Warn("queue_timeout_failed", zap.String("entry_id", e.ID), zap.Error(err))
		}
		return false
	}
	c.log.Info("queue_timeout", zap.String("player_id", e.PlayerID), zap.String("entry_id", e.ID),
		zap.Duration("waited", e.Waited(now)))
	c.notify(ctx, e.PlayerID, notify.Event{Type: notify.EventQueueUpdate, Payload: map[string]any{
		"status": string(StatusTimedOut), "entry_id": e.ID, "max_wait_seconds": int(e.MaxWait.Std().Seconds()),
	}})
	return true
}

func (c *Coordinator) maybeExpand(ctx context.Context, e *QueueEntry, now time.Time) {
	ceiling := e.InitialRadius * c.opts.MaxRadiusFactor
	if e.CurrentRadius >= ceiling { return }
	since := e.JoinedAt
	if e.ExpandedAt != nil {
		since = *e.ExpandedAt
	}
	if now.Sub(since) < c.opts.ExpandInterval { return }
	radius := min(e.CurrentRadius+c.opts.ExpandStep, ceiling)
	if _, err := c.store.Expand(ctx, e.ID, radius, now); err != nil {
		if !errors.Is(err, ErrNotSearching) && ctx.Err() == nil {
			c.log.Warn("queue_expand_failed", zap.String("entry_id", e.ID), zap.Error(err))
		}
		return
	}
	c.log.Debug("queue_expand", zap.String("entry_id", e.ID), zap.Int("radius", radius))
}

func (c *Coordinator) notify(ctx context.Context, playerID string, ev notify.Event) {
	if err := c.sink.Notify(ctx, playerID, ev); err != nil {
		c.log.Warn("notify_failed", zap.String("player_id", playerID), zap.String("type", ev.Type), zap.Error(err))
	}
}
