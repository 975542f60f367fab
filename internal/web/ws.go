package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/evoladder/evoladder/internal/bus"
	"github.com/evoladder/evoladder/internal/errs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	writeWait = 10 * time.Second
	pingEvery = 30 * time.Second
)

// wsEvent is the wire form of a bus event.
type wsEvent struct {
	Kind    string    `json:"kind"`
	MatchID int64     `json:"match_id"`
	Status  string    `json:"status"`
	ActorID string    `json:"actor_id,omitempty"`
	At      time.Time `json:"at"`
	Lag     uint64    `json:"lag,omitempty"`
}

// handleMatchStream upgrades to a websocket and forwards the match's
// lifecycle events to the participant until either side hangs up.
func (s *Server) handleMatchStream(c *gin.Context) {
	mid, ok := matchID(c)
	if !ok {
		return
	}
	pid, err := strconv.ParseUint(c.Query("player_id"), 10, 64)
	if err != nil || pid == 0 {
		renderErr(c, errs.Validation("invalid player_id"))
		return
	}
	if m, ok := s.store.GetMatch(mid); !ok {
		renderErr(c, errs.NotFound("match %d", mid))
		return
	} else if m.Side(pid) == nil {
		renderErr(c, errs.Validation("player %d is not in match %d", pid, mid))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "match", mid, "err", err)
		return
	}
	sub := s.bus.Subscribe(mid, pid)
	defer sub.Close()
	defer conn.Close()

	// Reader goroutine: the client sends nothing we care about, but the
	// read loop notices the hangup.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	// A stream with no match activity for the idle window is torn down;
	// the view can resubscribe.
	idle := time.NewTimer(s.idle)
	defer idle.Stop()

	for {
		select {
		case <-done:
			return
		case <-idle.C:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle"))
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idle)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(toWire(ev)); err != nil {
				return
			}
			if ev.Kind.Terminal() {
				// The view displays the terminal state and unregisters.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Kind)))
				return
			}
		}
	}
}

func toWire(ev bus.Event) wsEvent {
	out := wsEvent{
		Kind:    string(ev.Kind),
		MatchID: ev.MatchID,
		Status:  string(ev.Match.Status),
		At:      ev.At,
		Lag:     ev.Lag,
	}
	if ev.ActorID != 0 {
		out.ActorID = strconv.FormatUint(ev.ActorID, 10)
	}
	return out
}
