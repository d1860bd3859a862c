package api

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/park285/gridmatch/internal/game"
	"github.com/park285/gridmatch/internal/leaderboard"
	"github.com/park285/gridmatch/internal/matchmaking"
	"github.com/park285/gridmatch/internal/obslog"
	"github.com/park285/gridmatch/internal/rating"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type Queue interface {
	Join(ctx context.Context, playerID string, prefs matchmaking.Preferences) (*matchmaking.QueueEntry, error)
	Leave(ctx context.Context, playerID string) (bool, error)
	Status(ctx context.Context) (matchmaking.QueueStatus, error)
}

type Matches interface {
	RecentMatches(ctx context.Context, n int) ([]*matchmaking.MatchRecord, error)
	MatchByGame(ctx context.Context, gameID string) (*matchmaking.MatchRecord, error)
	PlayerHistory(ctx context.Context, playerID string, n int) ([]matchmaking.PlayerMatch, error)
}

type Ratings interface {
	Current(ctx context.Context, playerID string) (*rating.PlayerRating, error)
	Ratings(ctx context.Context, playerID string) ([]*rating.PlayerRating, error)
	Predict(ctx context.Context, playerA, playerB string) (rating.Prediction, error)
}

type Leaderboard interface {
	Get(ctx context.Context, t leaderboard.Type, limit int) ([]leaderboard.Row, error)
	Stats(ctx context.Context) (leaderboard.Stats, error)
}

type Games interface {
	Get(ctx context.Context, id string) (*game.Game, error)
	RecordMove(ctx context.Context, gameID, playerID string, row, col int) (*game.Game, error)
	Finish(ctx context.Context, gameID, winnerID string) (*game.Game, error)
}

const requestTimeout = 10 * time.Second

// Deps are the components behind the routes. Matches and Games may be nil.
type Deps struct {
	Queue       Queue
	Matches     Matches
	Ratings     Ratings
	Leaderboard Leaderboard
	Games       Games
}

// Server exposes the transport collaborator's HTTP surface.
type Server struct {
	d   Deps
	log *zap.Logger
	srv *fasthttp.Server
}

func New(d Deps) *Server {
	s := &Server{d: d, log: obslog.Named("api")}
	s.srv = &fasthttp.Server{
		Handler:      s.Handle,
		Name:         "gridmatch",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until ctx is done, then shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe(addr) }()
	s.log.Info("api_listen", zap.String("addr", addr))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.ShutdownWithContext(sctx)
	}
}

// Handle routes one request.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	path := strings.TrimRight(string(ctx.Path()), "/")
	method := string(ctx.Method())
	// RequestCtx is recycled after the handler returns, so downstream calls get their own context
	rc, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	switch {
	case path == "/health":
		s.json(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
	case path == "/queue/join" && method == fasthttp.MethodPost:
		s.joinQueue(ctx, rc)
	case path == "/queue/leave" && method == fasthttp.MethodPost:
		s.leaveQueue(ctx, rc)
	case path == "/queue/status" && method == fasthttp.MethodGet:
		s.queueStatus(ctx, rc)
	case path == "/matches/recent" && method == fasthttp.MethodGet && s.d.Matches != nil:
		s.recentMatches(ctx, rc)
	case strings.HasPrefix(path, "/player/") && strings.HasSuffix(path, "/history") && method == fasthttp.MethodGet && s.d.Matches != nil:
		s.playerHistory(ctx, rc, strings.TrimSuffix(strings.TrimPrefix(path, "/player/"), "/history"))
	case path == "/ratings/predict" && method == fasthttp.MethodGet:
		s.predict(ctx, rc)
	case strings.HasPrefix(path, "/ratings/") && method == fasthttp.MethodGet:
		s.playerRatings(ctx, rc, strings.TrimPrefix(path, "/ratings/"))
	case path == "/leaderboard" && method == fasthttp.MethodGet:
		s.leaderboard(ctx, rc)
	case path == "/leaderboard/stats" && method == fasthttp.MethodGet:
		s.leaderboardStats(ctx, rc)
	case strings.HasPrefix(path, "/games/") && s.d.Games != nil:
		s.games(ctx, rc, method, strings.Split(strings.TrimPrefix(path, "/games/"), "/"))
	default:
		s.fail(ctx, fasthttp.StatusNotFound, errors.New("no route for "+method+" "+path))
	}
}

type joinRequest struct {
	PlayerID    string                   `json:"player_id"`
	Preferences *matchmaking.Preferences `json:"preferences"`
}

func (s *Server) joinQueue(ctx *fasthttp.RequestCtx, rc context.Context) {
	var req joinRequest
	if !s.decode(ctx, &req) { return }
	prefs := matchmaking.DefaultPreferences()
	if req.Preferences != nil {
		prefs = *req.Preferences
	}
	e, err := s.d.Queue.Join(rc, req.PlayerID, prefs)
	if err != nil {
		s.error(ctx, err)
		return
	}
	s.json(ctx, fasthttp.StatusOK, e)
}

func (s *Server) leaveQueue(ctx *fasthttp.RequestCtx, rc context.Context) {
	var req joinRequest
	if !s.decode(ctx, &req) { return }
	left, err := s.d.Queue.Leave(rc, req.PlayerID)
	if err != nil {
		s.error(ctx, err)
		return
	}
	s.json(ctx, fasthttp.StatusOK, map[string]bool{"left": left})
}

func (s *Server) queueStatus(ctx *fasthttp.RequestCtx, rc context.Context) {
	st, err := s.d.Queue.Status(rc)
	if err != nil {
		s.error(ctx, err)
		return
	}
	s.json(ctx, fasthttp.StatusOK, st)
}

func (s *Server) recentMatches(ctx *fasthttp.RequestCtx, rc context.Context) {
	n, ok := s.intArg(ctx, "limit", 20)
	if !ok { return }
	list, err := s.d.Matches.RecentMatches(rc, n)
	if err != nil {
		s.error(ctx, err)
		return
	}
	s.json(ctx, fasthttp.StatusOK, map[string]any{"matches": list})
}

func (s *Server) playerHistory(ctx *fasthttp.RequestCtx, rc context.Context, player string) {
	player = strings.TrimSpace(player)
	if player == "" || strings.Contains(player, "/") {
		s.fail(ctx, fasthttp.StatusBadRequest, errors.New("invalid player id"))
		return
	}
	n, ok := s.intArg(ctx, "limit", 20)
	if !ok { return }
	list, err := s.d.Matches.PlayerHistory(rc, player, n)
	if err != nil {
		s.error(ctx, err)
		return
	}
	s.json(ctx, fasthttp.StatusOK, map[string]any{"player_id": player, "matches": list})
}

func (s *Server) predict(ctx *fasthttp.RequestCtx, rc context.Context) {
	a := strings.TrimSpace(string(ctx.QueryArgs().Peek("a")))
	b := strings.TrimSpace(string(ctx.QueryArgs().Peek("b")))
	if a == "" || b == "" {
		s.fail(ctx, fasthttp.StatusBadRequest, errors.New("query parameters a and b are required"))
		return
	}
	if a == b {
		s.fail(ctx, fasthttp.StatusBadRequest, rating.ErrSelfMatch)
		return
	}
	p, err := s.d.Ratings.Predict(rc, a, b)
	if err != nil {
		s.error(ctx, err)
		return
	}
	s.json(ctx, fasthttp.StatusOK, p)
}

func (s *Server) playerRatings(ctx *fasthttp.RequestCtx, rc context.Context, player string) {
	player = strings.TrimSpace(player)
	if player == "" || strings.Contains(player, "/") {
		s.fail(ctx, fasthttp.StatusBadRequest, errors.New("invalid player id"))
		return
	}
	list, err := s.d.Ratings.Ratings(rc, player)
	if err != nil {
		s.error(ctx, err)
		return
	}
	if len(list) == 0 {
		cur, err := s.d.Ratings.Current(rc, player)
		if err != nil {
			s.error(ctx, err)
			return
		}
		list = []*rating.PlayerRating{cur}
	}
	s.json(ctx, fasthttp.StatusOK, map[string]any{"player_id": player, "ratings": list})
}

func (s *Server) leaderboard(ctx *fasthttp.RequestCtx, rc context.Context) {
	t, err := leaderboard.ParseType(string(ctx.QueryArgs().Peek("type")))
	if err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, err)
		return
	}
	limit, ok := s.intArg(ctx, "limit", leaderboard.DefaultLimit)
	if !ok { return }
	rows, err := s.d.Leaderboard.Get(rc, t, limit)
	if err != nil {
		s.error(ctx, err)
		return
	}
	if rows == nil {
		rows = []leaderboard.Row{}
	}
	s.json(ctx, fasthttp.StatusOK, map[string]any{"type": t, "rows": rows})
}

func (s *Server) leaderboardStats(ctx *fasthttp.RequestCtx, rc context.Context) {
	st, err := s.d.Leaderboard.Stats(rc)
	if err != nil {
		s.error(ctx, err)
		return
	}
	s.json(ctx, fasthttp.StatusOK, st)
}

type moveRequest struct {
	PlayerID string `json:"player_id"`
	Row      int    `json:"row"`
	Col      int    `json:"col"`
}

func (s *Server) games(ctx *fasthttp.RequestCtx, rc context.Context, method string, parts []string) {
	id := parts[0]
	switch {
	case len(parts) == 1 && method == fasthttp.MethodGet:
		g, err := s.d.Games.Get(rc, id)
		if err != nil {
			s.error(ctx, err)
			return
		}
		s.json(ctx, fasthttp.StatusOK, g)
	case len(parts) == 2 && parts[1] == "match" && method == fasthttp.MethodGet && s.d.Matches != nil:
		m, err := s.d.Matches.MatchByGame(rc, id)
		if err != nil {
			s.error(ctx, err)
			return
		}
		s.json(ctx, fasthttp.StatusOK, m)
	case len(parts) == 2 && parts[1] == "moves" && method == fasthttp.MethodPost:
		var req moveRequest
		if !s.decode(ctx, &req) { return }
		g, err := s.d.Games.RecordMove(rc, id, strings.TrimSpace(req.PlayerID), req.Row, req.Col)
		if err != nil {
			s.error(ctx, err)
			return
		}
		s.json(ctx, fasthttp.StatusOK, g)
	case len(parts) == 2 && parts[1] == "resign" && method == fasthttp.MethodPost:
		var req moveRequest
		if !s.decode(ctx, &req) { return }
		g, err := s.d.Games.Get(rc, id)
		if err != nil {
			s.error(ctx, err)
			return
		}
		if !g.HasPlayer(req.PlayerID) {
			s.error(ctx, game.ErrNotParticipant)
			return
		}
		winner := ""
		for _, p := range g.Players {
			if p != req.PlayerID {
				winner = p
			}
		}
		g, err = s.d.Games.Finish(rc, id, winner)
		if err != nil {
			s.error(ctx, err)
			return
		}
		s.json(ctx, fasthttp.StatusOK, g)
	default:
		s.fail(ctx, fasthttp.StatusNotFound, errors.New("no route for "+method+" /games/"+strings.Join(parts, "/")))
	}
}

func (s *Server) intArg(ctx *fasthttp.RequestCtx, name string, def int) (int, bool) {
	raw := strings.TrimSpace(string(ctx.QueryArgs().Peek(name)))
	if raw == "" { return def, true }
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, errors.New(name+" must be an integer"))
		return 0, false
	}
	return n, true
}

func (s *Server) decode(ctx *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		s.fail(ctx, fasthttp.StatusBadRequest, errors.New("invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, matchmaking.ErrInvalidPreference),
		errors.Is(err, matchmaking.ErrInvalidPlayer),
		errors.Is(err, leaderboard.ErrUnknownType),
		errors.Is(err, leaderboard.ErrInvalidLimit),
		errors.Is(err, rating.ErrSelfMatch),
		errors.Is(err, rating.ErrInvalidResult),
		errors.Is(err, game.ErrIllegalMove):
		return fasthttp.StatusBadRequest
	case errors.Is(err, game.ErrNotFound), errors.Is(err, matchmaking.ErrNotFound):
		return fasthttp.StatusNotFound
	case errors.Is(err, game.ErrNotParticipant):
		return fasthttp.StatusForbidden
	case errors.Is(err, game.ErrNotYourTurn), errors.Is(err, game.ErrNotActive), errors.Is(err, game.ErrNotJoinable),
		errors.Is(err, game.ErrConcurrentUpdate), errors.Is(err, matchmaking.ErrInGame):
		return fasthttp.StatusConflict
	}
	return fasthttp.StatusInternalServerError
}

func (s *Server) error(ctx *fasthttp.RequestCtx, err error) {
	code := statusFor(err)
	if code == fasthttp.StatusInternalServerError {
		s.log.Error("api_error", zap.ByteString("path", ctx.Path()), zap.Error(err))
	}
	s.fail(ctx, code, err)
}

func (s *Server) fail(ctx *fasthttp.RequestCtx, code int, err error) {
	s.json(ctx, code, map[string]string{"error": err.Error()})
}

func (s *Server) json(ctx *fasthttp.RequestCtx, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.Error(`{"error":"encode response"}`, fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
