// Package sync serves the collaborative map editor's websocket endpoint: it
// authorizes connections, joins them to their study design's room, relays
// protocol frames, and drives debounced persistence through the room layer.
package sync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"studymap/api/internal/auth"
	"studymap/api/internal/crdt"
	"studymap/api/internal/member"
	"studymap/api/internal/room"
	"studymap/api/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 1 << 20

	subscriberBuffer = 64
)

// GraphLoader is the slice of the store the sync server reads through.
type GraphLoader interface {
	GetStudyDesign(ctx context.Context, id string) (store.StudyDesign, error)
	LoadGraph(ctx context.Context, id string) (crdt.Snapshot, error)
}

type Server struct {
	loader   GraphLoader
	members  member.Checker
	registry *room.Registry
	secret   []byte
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewServer(loader GraphLoader, members member.Checker, registry *room.Registry, jwtSecret []byte, logger zerolog.Logger) *Server {
	return &Server{
		loader:   loader,
		members:  members,
		registry: registry,
		secret:   jwtSecret,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client authenticates with a signed token, not a
			// cookie, so cross-origin upgrades are acceptable.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleConnection runs one session. It authorizes the principal against the
// study design's site before upgrading; afterwards the session relays frames
// until the transport closes or authorization is revoked.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request, studyDesignID string) {
	ctx := r.Context()

	claims, err := s.authorize(ctx, r, studyDesignID)
	if err != nil {
		joinsRejected.Inc()
		status := http.StatusForbidden
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.logger.Info().Err(err).Str("study_design", studyDesignID).Msg("sync connection rejected")
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	logger := s.logger.With().
		Str("study_design", studyDesignID).
		Str("person", claims.Sub).
		Logger()

	rm, err := s.registry.Join(ctx, studyDesignID, func(ctx context.Context) (crdt.Snapshot, error) {
		return s.loader.LoadGraph(ctx, studyDesignID)
	})
	if err != nil {
		logger.Error().Err(err).Msg("room join failed")
		_ = conn.Close()
		return
	}

	session := &session{
		server:   s,
		conn:     conn,
		room:     rm,
		claims:   claims,
		siteID:   claims.Site,
		designID: studyDesignID,
		logger:   logger,
	}
	session.run()
}

func (s *Server) authorize(ctx context.Context, r *http.Request, studyDesignID string) (auth.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return auth.Claims{}, err
	}

	design, err := s.loader.GetStudyDesign(ctx, studyDesignID)
	if err != nil {
		return auth.Claims{}, err
	}
	if design.SiteID != claims.Site {
		return auth.Claims{}, errors.New("token issued for a different site")
	}

	isMember, err := s.members.IsMember(ctx, claims.Sub, design.SiteID)
	if err != nil {
		return auth.Claims{}, err
	}
	if !isMember {
		return auth.Claims{}, errors.New("not a member of the study design's site")
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

type session struct {
	server   *Server
	conn     *websocket.Conn
	room     *room.Room
	claims   auth.Claims
	siteID   string
	designID string
	logger   zerolog.Logger

	subID int
}

func (s *session) run() {
	sessionsConnected.Inc()
	defer sessionsConnected.Dec()

	subID, frames := s.room.Subscribe(subscriberBuffer)
	s.subID = subID

	// Initial handshake: the full document state, before any relayed frames.
	initial := append([]byte{FrameSync}, s.room.EncodeState()...)
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, initial); err != nil {
		s.logger.Warn().Err(err).Msg("initial snapshot write failed")
		s.teardown()
		return
	}

	done := make(chan struct{})
	go s.writePump(frames, done)
	s.readLoop()
	close(done)
	s.teardown()
}

// teardown leaves the room; if this was the last session, the registry has
// already persisted the final snapshot synchronously before returning.
func (s *session) teardown() {
	s.room.Unsubscribe(s.subID)
	// Teardown persistence must run even though the connection is gone.
	last, err := s.server.registry.Leave(context.Background(), s.designID)
	if err != nil {
		s.logger.Error().Err(err).Msg("final persist failed")
	}
	if last {
		s.logger.Info().Msg("room persisted and discarded")
	}
	_ = s.conn.Close()
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		// A session can be invalidated mid-flight; re-check before merging.
		ok, err := s.server.members.IsMember(context.Background(), s.claims.Sub, s.siteID)
		if err != nil {
			s.logger.Error().Err(err).Msg("membership re-check failed")
			return
		}
		if !ok {
			framesRejected.Inc()
			s.logger.Info().Msg("membership revoked, closing session")
			return
		}

		switch data[0] {
		case FrameSync:
			if err := s.room.ApplyUpdate(data[1:]); err != nil {
				framesRejected.Inc()
				s.logger.Warn().Err(err).Msg("rejected sync frame")
				continue
			}
			framesRelayed.WithLabelValues("sync").Inc()
			s.room.Broadcast(s.subID, data)
		case FrameAwareness:
			framesRelayed.WithLabelValues("awareness").Inc()
			s.room.Broadcast(s.subID, data)
		default:
			framesRejected.Inc()
			s.logger.Warn().Int("marker", int(data[0])).Msg("unknown frame marker")
		}
	}
}

func (s *session) writePump(frames <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
