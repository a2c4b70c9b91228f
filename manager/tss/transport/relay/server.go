// Package relay implements ceremony rooms over a websocket relay server.
// The server rebroadcasts every envelope a member sends to the other members
// of its room and replays the room history to members that join late.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// RoomPath is the route members join rooms on.
const RoomPath = "/rooms/{room_id}"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 1024

	defaultMaxHistory = 16384
	defaultRoomTTL    = 10 * time.Minute
)

// ServerConfig configures a relay Server.
type ServerConfig struct {
	// MaxHistory bounds the envelopes kept per room for late joiners.
	MaxHistory int
	// RoomTTL is how long an empty room keeps its history.
	RoomTTL time.Duration
	Logger  zerolog.Logger
}

// Server is the relay side of the websocket transport.
type Server struct {
	upgrader   websocket.Upgrader
	maxHistory int
	roomTTL    time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	members    map[*client]struct{}
	history    [][]byte
	emptySince time.Time
}

type client struct {
	ws    *websocket.Conn
	party wire.PartyIndex
	send  chan []byte
	once  sync.Once
	done  chan struct{}

	// backlog is the room history at join time, written before anything
	// queued on send.
	backlog [][]byte
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// NewServer creates a relay server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = defaultRoomTTL
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		maxHistory: cfg.MaxHistory,
		roomTTL:    cfg.RoomTTL,
		logger:     cfg.Logger.With().Str("component", "relay_server").Logger(),
		now:        time.Now,
		rooms:      make(map[string]*room),
	}
}

// Register mounts the relay routes on r.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc(RoomPath, s.handleJoin).Methods(http.MethodGet)
}

// Handler returns a router serving only the relay routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.Register(r)
	return r
}

// Run evicts idle rooms until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.roomTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

// Close disconnects every member. Rooms and their history are kept.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rm := range s.rooms {
		for c := range rm.members {
			c.stop()
		}
	}
}

// Rooms returns the number of rooms currently tracked.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room_id"]
	party, err := wire.ParsePartyIndex(r.URL.Query().Get("party"))
	if err != nil {
		http.Error(w, "invalid party index", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("websocket upgrade failed")
		return
	}
	c := &client{ws: ws, party: party, send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	s.join(roomID, c)
	log := s.logger.With().Str("room_id", roomID).Uint16("party", uint16(party)).Logger()
	log.Debug().Msg("member joined")

	go s.writePump(c)
	s.readPump(roomID, c, log)

	s.leave(roomID, c)
	c.stop()
	log.Debug().Msg("member left")
}

func (s *Server) join(roomID string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[*client]struct{})}
		s.rooms[roomID] = rm
	}
	// history is append only, so the snapshot stays valid without the lock
	c.backlog = rm.history[:len(rm.history):len(rm.history)]
	rm.members[c] = struct{}{}
	rm.emptySince = time.Time{}
}

func (s *Server) leave(roomID string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		return
	}
	delete(rm.members, c)
	if len(rm.members) == 0 {
		rm.emptySince = s.now()
	}
}

func (s *Server) broadcast(roomID string, from *client, msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		return
	}
	if len(rm.history) < s.maxHistory {
		rm.history = append(rm.history, msg)
	}
	for c := range rm.members {
		if c != from {
			s.enqueue(c, msg)
		}
	}
}

// enqueue must be called with s.mu held.
func (s *Server) enqueue(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		s.logger.Warn().Uint16("party", uint16(c.party)).Msg("member too slow, disconnecting")
		c.stop()
	}
}

func (s *Server) evictIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, rm := range s.rooms {
		if len(rm.members) == 0 && !rm.emptySince.IsZero() && s.now().Sub(rm.emptySince) > s.roomTTL {
			delete(s.rooms, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug().Int("evicted", evicted).Msg("evicted idle rooms")
	}
	return evicted
}

func (s *Server) readPump(roomID string, c *client, log zerolog.Logger) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Warn().Err(err).Msg("dropping non-envelope frame")
			continue
		}
		if env.Sender != c.party {
			log.Warn().Uint16("claimed", uint16(env.Sender)).Msg("dropping envelope with spoofed sender")
			continue
		}
		s.broadcast(roomID, c, msg)
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for _, msg := range c.backlog {
		select {
		case <-c.done:
			return
		default:
		}
		if err := write(c.ws, websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.backlog = nil
	for {
		select {
		case msg := <-c.send:
			if err := write(c.ws, websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(c.ws, websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = write(c.ws, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func write(ws *websocket.Conn, kind int, data []byte) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return errors.Wrap(ws.WriteMessage(kind, data), "websocket write failed")
}

// JoinURL builds the websocket URL a party uses to join roomID.
func JoinURL(base string, roomID string, party wire.PartyIndex) string {
	return base + "/rooms/" + escape(roomID) + "?party=" + strconv.FormatUint(uint64(party), 10)
}
