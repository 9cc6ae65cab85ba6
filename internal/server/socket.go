// Package server hosts the realtime engine: the WebSocket gateway, the
// per-socket connection state machine, and the hub tying the channel
// registry, adapter, and webhook pipeline together.
package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/JosueRhea/sockudo/internal/apps"
	"github.com/JosueRhea/sockudo/internal/monitoring"
	"github.com/JosueRhea/sockudo/internal/quota"
)

// Socket is one WebSocket connection. Frames are written only by its
// writePump; other goroutines enqueue through Send, which never blocks.
type Socket struct {
	id         string
	app        *apps.Application
	conn       net.Conn
	remoteAddr string

	send   chan []byte
	done   chan struct{}
	logger zerolog.Logger

	// clientEvents is the per-socket bucket bounding client-* sends.
	clientEvents *quota.Bucket

	mu            sync.Mutex
	userID        string
	subscriptions int
	pendingPong   bool
	rateWarned    bool
	slowWarned    bool

	closeOnce   sync.Once
	cleanupOnce sync.Once
	closeCode   atomic.Int32
	closeReason string
}

func newSocket(id string, app *apps.Application, conn net.Conn, remoteAddr string, sendBuffer int, clientEventsPerSecond int, logger zerolog.Logger) *Socket {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	s := &Socket{
		id:         id,
		app:        app,
		conn:       conn,
		remoteAddr: remoteAddr,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		logger:     logger.With().Str("socket_id", id).Str("app_id", app.ID).Logger(),
	}
	if clientEventsPerSecond > 0 {
		s.clientEvents = quota.NewBucket(float64(clientEventsPerSecond), clientEventsPerSecond)
	}
	return s
}

// ID implements channels.Socket.
func (s *Socket) ID() string { return s.id }

// Send enqueues a frame for the writePump. A full queue evicts its oldest
// frame so producers never stall on a slow client; the eviction is counted
// and reported false.
func (s *Socket) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- frame:
		return true
	default:
	}

	// Queue full: drop-oldest, then retry once.
	select {
	case <-s.send:
	default:
	}
	monitoring.MessagesDropped.WithLabelValues(s.app.ID).Inc()

	s.mu.Lock()
	warned := s.slowWarned
	s.slowWarned = true
	s.mu.Unlock()
	if !warned {
		s.logger.Warn().Int("queue", cap(s.send)).Msg("slow client, dropping oldest frames")
	}

	select {
	case s.send <- frame:
	default:
	}
	return false
}

// UserID returns the identity established by pusher:signin, if any.
func (s *Socket) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Socket) setUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

func (s *Socket) subscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions
}

func (s *Socket) addSubscription()    { s.mu.Lock(); s.subscriptions++; s.mu.Unlock() }
func (s *Socket) removeSubscription() { s.mu.Lock(); s.subscriptions--; s.mu.Unlock() }

// Close moves the socket to Closing: the writePump emits a close frame with
// code and tears the TCP connection down, which in turn unblocks the
// readPump. Idempotent.
func (s *Socket) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode.Store(int32(code))
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Socket) closeStatus() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.closeCode.Load()), s.closeReason
}
