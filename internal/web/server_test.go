package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evoladder/evoladder/internal/bus"
	"github.com/evoladder/evoladder/internal/catalog"
	"github.com/evoladder/evoladder/internal/data"
	"github.com/evoladder/evoladder/internal/guard"
	"github.com/evoladder/evoladder/internal/leaderboard"
	"github.com/evoladder/evoladder/internal/lifecycle"
	"github.com/evoladder/evoladder/internal/matchmaker"
	"github.com/evoladder/evoladder/internal/model"
	"github.com/evoladder/evoladder/internal/objstore"
	"github.com/evoladder/evoladder/internal/replay"
	"github.com/evoladder/evoladder/internal/sqlstore"
)

type stubParser struct{}

func (stubParser) Parse([]byte) (replay.Parsed, error) {
	return replay.Parsed{Duration: 10 * time.Minute, MapName: "Eclipse"}, nil
}

type fixture struct {
	store  *data.Store
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlstore.Open(sqlstore.SQLite, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := slog.New(slog.DiscardHandler)
	store, err := data.New(db, "", log)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store.Close(ctx)
	})

	cat, err := catalog.Load("")
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	b := bus.New()
	t.Cleanup(b.Close)

	lb := leaderboard.New(store, log)
	mm := matchmaker.New(store, cat, b, log)
	coord := lifecycle.New(store, b, log)
	rs := replay.NewService(store, coord, b, stubParser{},
		nil, objstore.NewLocalStore(t.TempDir()), 1, log)
	t.Cleanup(rs.Close)

	srv := New(":0", 15*time.Minute, store, cat, lb, mm, coord, rs, b, guard.EnglishNames{}, log)
	return &fixture{store: store, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

// onboard pushes a player through ToS, setup, and activation.
func (f *fixture) onboard(t *testing.T, id uint64) {
	t.Helper()
	if w := f.do(t, "POST", fmt.Sprintf("/api/players/%d/tos", id), map[string]bool{"accept": true}); w.Code != 200 {
		t.Fatalf("tos: %d %s", w.Code, w.Body)
	}
	setup := map[string]string{
		"Name": "bisu", "BattleTag": "bisu#3344", "Country": "KR", "Region": "KR",
	}
	if w := f.do(t, "POST", fmt.Sprintf("/api/players/%d/setup", id), setup); w.Code != 200 {
		t.Fatalf("setup: %d %s", w.Code, w.Body)
	}
	if w := f.do(t, "POST", fmt.Sprintf("/api/players/%d/activate", id), nil); w.Code != 200 {
		t.Fatalf("activate: %d %s", w.Code, w.Body)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, "GET", "/healthz", nil); w.Code != 200 {
		t.Errorf("healthz = %d", w.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/metrics", nil)
	if w.Code != 200 {
		t.Fatalf("metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("metrics output missing runtime collectors")
	}
}

func TestOnboardingAndProfile(t *testing.T) {
	f := newFixture(t)

	// Setup before accepting the ToS is refused.
	w := f.do(t, "POST", "/api/players/7/setup", map[string]string{"Name": "bisu"})
	if w.Code != http.StatusConflict {
		t.Fatalf("setup before tos = %d", w.Code)
	}

	f.onboard(t, 7)

	w = f.do(t, "GET", "/api/players/7/profile", nil)
	if w.Code != 200 {
		t.Fatalf("profile = %d %s", w.Code, w.Body)
	}
	var out map[string]any
	json.Unmarshal(w.Body.Bytes(), &out)
	if out["name"] != "bisu" || out["country"] != "KR" {
		t.Errorf("profile = %v", out)
	}
}

func TestPrivateCountryHidden(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, 7)

	w := f.do(t, "POST", "/api/players/7/country", map[string]string{"country": "ZZ"})
	if w.Code != 200 {
		t.Fatalf("setcountry = %d %s", w.Code, w.Body)
	}
	w = f.do(t, "GET", "/api/players/7/profile", nil)
	var out map[string]any
	json.Unmarshal(w.Body.Bytes(), &out)
	if out["country"] != "" {
		t.Errorf("private country leaked: %v", out["country"])
	}
}

func TestValidationErrorShape(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, 7)

	w := f.do(t, "POST", "/api/players/7/setup", map[string]string{
		"Name": "xx", "BattleTag": "bisu#3344", "Country": "KR", "Region": "KR",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("short name = %d", w.Code)
	}
	var out map[string]string
	json.Unmarshal(w.Body.Bytes(), &out)
	if out["kind"] != "validation" || out["error"] == "" {
		t.Errorf("error shape = %v", out)
	}
}

func TestQueueAndReport(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, 1)
	f.onboard(t, 2)

	join := map[string]any{"races": []string{"bw_terran"}}
	for _, id := range []int{1, 2} {
		if w := f.do(t, "POST", fmt.Sprintf("/api/queue/%d", id), join); w.Code != 200 {
			t.Fatalf("queue %d: %d %s", id, w.Code, w.Body)
		}
	}
	// Double join conflicts.
	if w := f.do(t, "POST", "/api/queue/1", join); w.Code != http.StatusConflict {
		t.Errorf("double join = %d", w.Code)
	}

	f.server.mm.RunWave()
	m, ok := f.store.OpenMatchFor(1)
	if !ok {
		t.Fatal("wave did not pair the two players")
	}

	// The profile names the open match and who is on the other side.
	w := f.do(t, "GET", "/api/players/1/profile", nil)
	var prof map[string]any
	json.Unmarshal(w.Body.Bytes(), &prof)
	if prof["opponent"] != "2" {
		t.Errorf("profile opponent = %v, want 2", prof["opponent"])
	}

	w = f.do(t, "POST", fmt.Sprintf("/api/matches/%d/report", m.ID),
		map[string]any{"player_id": 1, "result": "win"})
	if w.Code != 200 {
		t.Fatalf("report 1 = %d %s", w.Code, w.Body)
	}
	w = f.do(t, "POST", fmt.Sprintf("/api/matches/%d/report", m.ID),
		map[string]any{"player_id": 2, "result": "loss"})
	if w.Code != 200 {
		t.Fatalf("report 2 = %d %s", w.Code, w.Body)
	}
	var out map[string]string
	json.Unmarshal(w.Body.Bytes(), &out)
	if out["status"] != "player_1_win" {
		t.Errorf("final status = %q", out["status"])
	}

	// Reporting a finished match maps to 409.
	w = f.do(t, "POST", fmt.Sprintf("/api/matches/%d/report", m.ID),
		map[string]any{"player_id": 1, "result": "win"})
	if w.Code != http.StatusConflict {
		t.Errorf("report after terminal = %d", w.Code)
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, 1)
	f.onboard(t, 2)

	m := f.store.CreateMatch(
		model.MatchSide{PlayerID: 1, Race: model.RaceBWTerran},
		model.MatchSide{PlayerID: 2, Race: model.RaceBWTerran},
		"Eclipse", "seoul",
	)
	rows := []model.RatingRow{
		{PlayerID: 1, Race: model.RaceBWTerran, MMR: 1220, Games: 1, Wins: 1},
		{PlayerID: 2, Race: model.RaceBWTerran, MMR: 1180, Games: 1, Losses: 1},
	}
	f.store.FinalizeMatch(m.ID, model.StatusP1Win, 20, -20, rows)

	w := f.do(t, "GET", "/api/leaderboard?best_race_only=true", nil)
	if w.Code != 200 {
		t.Fatalf("leaderboard = %d", w.Code)
	}
	var page leaderboard.Page
	json.Unmarshal(w.Body.Bytes(), &page)
	if page.TotalRows != 2 {
		t.Errorf("rows = %d, want 2", page.TotalRows)
	}

	if w := f.do(t, "GET", "/api/leaderboard?race=xenomorph", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad race filter = %d", w.Code)
	}
}

func TestReplayUploadEndpoint(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, 1)
	f.onboard(t, 2)
	m := f.store.CreateMatch(
		model.MatchSide{PlayerID: 1, Race: model.RaceSC2Terran},
		model.MatchSide{PlayerID: 2, Race: model.RaceSC2Terran},
		"Eclipse", "seoul",
	)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("replay", "game.SC2Replay")
	fw.Write([]byte("replay-bytes"))
	mw.Close()

	req := httptest.NewRequest("POST",
		fmt.Sprintf("/api/matches/%d/replay?player_id=1", m.ID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("upload = %d %s", w.Code, w.Body)
	}
}

func TestMatchStreamIdleTimeout(t *testing.T) {
	f := newFixture(t)
	f.onboard(t, 1)
	f.onboard(t, 2)
	m := f.store.CreateMatch(
		model.MatchSide{PlayerID: 1, Race: model.RaceSC2Terran},
		model.MatchSide{PlayerID: 2, Race: model.RaceSC2Terran},
		"Eclipse", "seoul",
	)

	f.server.idle = 100 * time.Millisecond
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/ws/matches/%d?player_id=1", m.ID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err = conn.ReadMessage(); err == nil {
		t.Fatal("stream stayed open past the idle window")
	} else if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("close = %v, want going-away", err)
	}
}
