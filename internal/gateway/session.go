package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

type outbound struct {
	data       []byte
	closeAfter bool
}

// session one connection. send is never closed; done signals teardown.
type session struct {
	id          string
	transport   Transport
	send        chan outbound
	done        chan struct{}
	connectedAt time.Time

	mu     sync.Mutex
	userID string
	state  models.SessionState
	rooms  map[string]struct{}
	closed bool
}

func newSession(id string, t Transport, buffer int) *session {
	return &session{
		id:          id,
		transport:   t,
		send:        make(chan outbound, buffer),
		done:        make(chan struct{}),
		connectedAt: time.Now().UTC(),
		state:       models.SessionConnecting,
		rooms:       make(map[string]struct{}),
	}
}

func (s *session) bind(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.state = models.SessionSubscribed
}

func (s *session) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *session) setState(st models.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.state = st
	}
}

func (s *session) addRoom(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[deviceID] = struct{}{}
}

func (s *session) removeRoom(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, deviceID)
}

func (s *session) roomList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// close marks the session closed; true only for the first caller
func (s *session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.state = models.SessionDisconnected
	close(s.done)
	return true
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) info() models.SessionInfo {
	rooms := s.roomList()
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		SessionID:     s.id,
		UserID:        s.userID,
		Authenticated: s.userID != "",
		State:         s.state,
		Rooms:         rooms,
		ConnectedAt:   s.connectedAt,
	}
}

type room struct {
	mu      sync.Mutex
	members map[string]*session
	dead    bool
}

func newRoom() *room {
	return &room{members: make(map[string]*session)}
}
