// Package web exposes the command surface over HTTP: profile commands,
// queue entry, match reporting, replay upload, the leaderboard, and a
// websocket stream of match events.
package web

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evoladder/evoladder/internal/bus"
	"github.com/evoladder/evoladder/internal/catalog"
	"github.com/evoladder/evoladder/internal/data"
	"github.com/evoladder/evoladder/internal/errs"
	"github.com/evoladder/evoladder/internal/guard"
	"github.com/evoladder/evoladder/internal/leaderboard"
	"github.com/evoladder/evoladder/internal/lifecycle"
	"github.com/evoladder/evoladder/internal/matchmaker"
	"github.com/evoladder/evoladder/internal/model"
	"github.com/evoladder/evoladder/internal/replay"
)

// Server wires the HTTP handlers to the service core.
type Server struct {
	store  *data.Store
	cat    *catalog.Catalog
	lb     *leaderboard.Engine
	mm     *matchmaker.Matchmaker
	coord  *lifecycle.Coordinator
	replay *replay.Service
	bus    *bus.Bus
	names  guard.NameValidator
	log    *slog.Logger

	// idle caps how long a match stream may sit without an event.
	idle time.Duration

	http *http.Server
}

func New(addr string, idle time.Duration, store *data.Store, cat *catalog.Catalog, lb *leaderboard.Engine,
	mm *matchmaker.Matchmaker, coord *lifecycle.Coordinator, rs *replay.Service,
	b *bus.Bus, names guard.NameValidator, log *slog.Logger) *Server {

	if idle <= 0 {
		idle = 15 * time.Minute
	}
	s := &Server{
		store: store, cat: cat, lb: lb, mm: mm, coord: coord,
		replay: rs, bus: b, names: names, log: log, idle: idle,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.POST("/players/:id/setup", s.handleSetup)
		api.POST("/players/:id/tos", s.handleToS)
		api.POST("/players/:id/activate", s.handleActivate)
		api.POST("/players/:id/country", s.handleSetCountry)
		api.GET("/players/:id/profile", s.handleProfile)
		api.GET("/leaderboard", s.handleLeaderboard)
		api.POST("/queue/:id", s.handleQueueJoin)
		api.DELETE("/queue/:id", s.handleQueueLeave)
		api.POST("/matches/:id/report", s.handleReport)
		api.POST("/matches/:id/replay", s.handleReplayUpload)
	}
	r.GET("/ws/matches/:id", s.handleMatchStream)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// renderErr maps the error taxonomy onto HTTP statuses.
func renderErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindState, errs.KindConflict:
		status = http.StatusConflict
	case errs.KindQuota:
		status = http.StatusTooManyRequests
	}
	var e *errs.Error
	msg := "internal error"
	if errors.As(err, &e) {
		msg = e.Msg
	}
	c.JSON(status, gin.H{"error": msg, "kind": errs.KindOf(err).String()})
}

func playerID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		renderErr(c, errs.Validation("invalid player id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func matchID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		renderErr(c, errs.Validation("invalid match id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

// gate runs the account-state guard and records the command call.
func (s *Server) gate(c *gin.Context, id uint64, cmd guard.Command) bool {
	s.store.LogCommand(id, string(cmd))
	if err := guard.Gate(s.store, id, cmd, true); err != nil {
		renderErr(c, err)
		return false
	}
	return true
}

func (s *Server) handleSetup(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	if !s.gate(c, id, guard.CmdSetup) {
		return
	}
	var in data.SetupFields
	if err := c.ShouldBindJSON(&in); err != nil {
		renderErr(c, errs.Wrap(errs.KindValidation, err, "malformed setup payload"))
		return
	}
	if err := guard.Setup(in, s.names, s.cat); err != nil {
		renderErr(c, err)
		return
	}
	if err := s.store.CompleteSetup(id, in); err != nil {
		renderErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleToS(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	if !s.gate(c, id, guard.CmdToS) {
		return
	}
	var in struct {
		Accept bool `json:"accept"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		renderErr(c, errs.Wrap(errs.KindValidation, err, "malformed payload"))
		return
	}
	if !in.Accept {
		c.JSON(http.StatusOK, gin.H{"status": "declined"})
		return
	}
	s.store.AcceptToS(id)
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) handleActivate(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	if !s.gate(c, id, guard.CmdActivate) {
		return
	}
	s.store.Activate(id)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSetCountry(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	if !s.gate(c, id, guard.CmdSetCountry) {
		return
	}
	var in struct {
		Country string `json:"country"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		renderErr(c, errs.Wrap(errs.KindValidation, err, "malformed payload"))
		return
	}
	if !s.cat.ValidCountry(in.Country) {
		renderErr(c, errs.Validation("unknown country code %q", in.Country))
		return
	}
	if err := s.store.UpdateCountry(id, in.Country); err != nil {
		renderErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleProfile(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	if !s.gate(c, id, guard.CmdProfile) {
		return
	}
	p, ok := s.store.GetPlayer(id)
	if !ok {
		renderErr(c, errs.NotFound("player %d", id))
		return
	}
	country := p.Country
	if model.CountryPrivate[country] {
		country = ""
	}
	out := gin.H{
		"id":      strconv.FormatUint(p.ID, 10),
		"name":    p.Name,
		"country": country,
		"region":  p.Region,
		"ratings": s.store.GetRatings(id),
		"aborts_left": s.store.AbortQuota(id),
	}
	if m, open := s.store.OpenMatchFor(id); open {
		out["current_match"] = m.ID
		out["opponent"] = strconv.FormatUint(m.Opponent(id), 10)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	var f leaderboard.Filters
	f.Country = c.Query("country")
	f.BestRaceOnly = c.Query("best_race_only") == "true"
	if r := c.Query("rank"); r != "" {
		f.Rank = model.Tier(r)
	}
	for _, r := range c.QueryArray("race") {
		race := model.Race(r)
		if !race.Valid() {
			renderErr(c, errs.Validation("unknown race %q", r))
			return
		}
		f.Races = append(f.Races, race)
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "40"))
	c.JSON(http.StatusOK, s.lb.Query(f, page, size))
}

func (s *Server) handleQueueJoin(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	if !s.gate(c, id, guard.CmdQueue) {
		return
	}
	var in struct {
		Races  []model.Race `json:"races"`
		Vetoes []string     `json:"vetoes"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		renderErr(c, errs.Wrap(errs.KindValidation, err, "malformed payload"))
		return
	}
	if err := s.mm.Join(id, in.Races, in.Vetoes); err != nil {
		renderErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func (s *Server) handleQueueLeave(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	if !s.mm.Leave(id) {
		renderErr(c, errs.NotFound("player %d is not queued", id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (s *Server) handleReport(c *gin.Context) {
	mid, ok := matchID(c)
	if !ok {
		return
	}
	var in struct {
		PlayerID uint64 `json:"player_id"`
		Result   string `json:"result"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		renderErr(c, errs.Wrap(errs.KindValidation, err, "malformed payload"))
		return
	}
	result := model.ReportedResult(in.Result)
	switch result {
	case model.ReportWin, model.ReportLoss, model.ReportDraw, model.ReportAbort:
	default:
		renderErr(c, errs.Validation("unknown result %q", in.Result))
		return
	}
	if err := s.coord.ReportResult(mid, in.PlayerID, result); err != nil {
		renderErr(c, err)
		return
	}
	m, _ := s.store.GetMatch(mid)
	c.JSON(http.StatusOK, gin.H{"status": string(m.Status)})
}

func (s *Server) handleReplayUpload(c *gin.Context) {
	mid, ok := matchID(c)
	if !ok {
		return
	}
	uploader, err := strconv.ParseUint(c.Query("player_id"), 10, 64)
	if err != nil || uploader == 0 {
		renderErr(c, errs.Validation("invalid player_id"))
		return
	}
	file, err := c.FormFile("replay")
	if err != nil {
		renderErr(c, errs.Validation("missing replay file"))
		return
	}
	if file.Size > replay.MaxSize {
		renderErr(c, errs.Validation("replay exceeds %d MiB", replay.MaxSize>>20))
		return
	}
	f, err := file.Open()
	if err != nil {
		renderErr(c, errs.Wrap(errs.KindUpstream, err, "cannot read upload"))
		return
	}
	defer f.Close()
	blob, err := io.ReadAll(io.LimitReader(f, replay.MaxSize+1))
	if err != nil {
		renderErr(c, errs.Wrap(errs.KindUpstream, err, "cannot read upload"))
		return
	}
	if err := s.replay.Ingest(mid, uploader, file.Filename, blob); err != nil {
		renderErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
}
