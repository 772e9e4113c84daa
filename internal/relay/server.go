// Package relay exposes a signaling store to remote peers over a WebSocket.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"oreocam/native/internal/domain"
	"oreocam/native/internal/signal"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	readLimit  = 1 << 20
	writeWait  = 5 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the relay protocol on top of a store.
type Server struct {
	store      domain.Store
	mode       string
	pingPeriod time.Duration
}

// NewServer creates a relay for store. pingPeriod bounds how long a silent
// client is kept; zero disables the read deadline.
func NewServer(store domain.Store, mode string, pingPeriod time.Duration) *Server {
	return &Server{store: store, mode: mode, pingPeriod: pingPeriod}
}

// Router returns the HTTP handler with /health and /ws.
func (s *Server) Router(ctx context.Context) *gin.Engine {
	if s.mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if s.mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws", func(c *gin.Context) {
		s.handleWS(ctx, c)
	})

	log.Info().Str("module", "relay").Str("mode", s.mode).Msg("router setup")
	return r
}

type conn struct {
	ws   *websocket.Conn
	send chan signal.Frame
	once sync.Once

	mu   sync.Mutex
	subs map[string]domain.Unsubscribe
}

func (c *conn) close() {
	c.once.Do(func() {
		_ = c.ws.Close()
	})
}

func (c *conn) enqueue(ctx context.Context, f signal.Frame) {
	select {
	case c.send <- f:
	case <-ctx.Done():
	}
}

func (s *Server) handleWS(parent context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(readLimit)

	cn := &conn{
		ws:   ws,
		send: make(chan signal.Frame, sendBuffer),
		subs: make(map[string]domain.Unsubscribe),
	}
	ctx, cancel := context.WithCancel(parent)
	log.Info().Str("module", "relay").Str("remote", c.Request.RemoteAddr).Msg("client connected")

	go s.writePump(ctx, cn)
	go s.readPump(ctx, cancel, cn)
}

func (s *Server) writePump(ctx context.Context, c *conn) {
	defer c.close()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.send:
			data, err := json.Marshal(f)
			if err != nil {
				log.Warn().Err(err).Str("module", "relay").Msg("marshal frame")
				continue
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "relay").Msg("write error")
				return
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, c *conn) {
	defer func() {
		cancel()
		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for _, unsub := range subs {
			unsub()
		}
		c.close()
		log.Info().Str("module", "relay").Int("subscriptions", len(subs)).Msg("client disconnected")
	}()

	s.extendDeadline(c.ws)
	c.ws.SetPingHandler(func(data string) error {
		s.extendDeadline(c.ws)
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "relay").Msg("read error")
			}
			return
		}
		s.extendDeadline(c.ws)

		var req signal.Frame
		if err := json.Unmarshal(data, &req); err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("bad frame")
			continue
		}
		s.handle(ctx, c, req)
	}
}

func (s *Server) extendDeadline(ws *websocket.Conn) {
	if s.pingPeriod > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(2 * s.pingPeriod))
	}
}

// handle runs requests in arrival order, so appends from one client keep their order.
func (s *Server) handle(ctx context.Context, c *conn, req signal.Frame) {
	var err error
	switch req.Method {
	case signal.MethodMerge:
		err = s.store.CreateOrMerge(ctx, req.Path, req.Fields)
	case signal.MethodAppend:
		err = s.store.AppendToArray(ctx, req.Path, req.Field, req.Value)
	case signal.MethodDelete:
		err = s.store.Delete(ctx, req.Path)
	case signal.MethodSubscribe:
		err = s.subscribe(ctx, c, req)
	case signal.MethodUnsubscribe:
		c.mu.Lock()
		unsub := c.subs[req.ID]
		delete(c.subs, req.ID)
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	default:
		log.Warn().Str("module", "relay").Str("method", req.Method).Msg("unknown method")
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("module", "relay").Str("method", req.Method).Str("path", req.Path).Msg("request failed")
	}
	c.enqueue(ctx, signal.Response(req, err))
}

func (s *Server) subscribe(ctx context.Context, c *conn, req signal.Frame) error {
	id, path := req.ID, req.Path
	unsub, err := s.store.Subscribe(ctx, path, func(snap domain.Snapshot) {
		f := signal.Frame{
			ID:     id,
			Method: signal.MethodSnapshot,
			Path:   path,
			Exists: snap.Exists,
			Data:   snap.Data,
		}
		if snap.Err != nil {
			f.Error = snap.Err.Error()
		}
		c.enqueue(ctx, f)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		unsub()
		return nil
	}
	if old := c.subs[id]; old != nil {
		old()
	}
	c.subs[id] = unsub
	c.mu.Unlock()
	return nil
}
