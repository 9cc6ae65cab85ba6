package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/JosueRhea/sockudo/internal/apps"
	"github.com/JosueRhea/sockudo/internal/monitoring"
	"github.com/JosueRhea/sockudo/internal/protocol"
	"github.com/JosueRhea/sockudo/internal/quota"
)

// Config tunes the gateway and per-socket timers.
type Config struct {
	ActivityTimeout  time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	SendBuffer       int

	// SSLRequired closes plaintext connections with 4000.
	SSLRequired bool

	// ConnectionRate/ConnectionBurst bound connect attempts per (app, IP).
	ConnectionRate  float64
	ConnectionBurst int

	Version string
}

// Server is the WebSocket gateway: it upgrades /app/{key}, runs the
// handshake, and hands established sockets to the hub.
type Server struct {
	cfg    Config
	hub    *Hub
	apps   *apps.Registry
	logger zerolog.Logger

	connectQuota *quota.KeyedLimiter
	shuttingDown atomic.Bool
	started      time.Time
}

// New wires a gateway.
func New(cfg Config, hub *Hub, registry *apps.Registry, logger zerolog.Logger) *Server {
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = protocol.ActivityTimeout * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ConnectionRate <= 0 {
		cfg.ConnectionRate = 10
	}
	if cfg.ConnectionBurst <= 0 {
		cfg.ConnectionBurst = 20
	}

	return &Server{
		cfg:    cfg,
		hub:    hub,
		apps:   registry,
		logger: logger.With().Str("component", "gateway").Logger(),
		connectQuota: quota.NewKeyedLimiter(quota.KeyedConfig{
			PerSecond: cfg.ConnectionRate,
			Burst:     cfg.ConnectionBurst,
			Name:      "connect",
			Logger:    logger,
		}),
		started: time.Now(),
	}
}

// Hub exposes the hub for the control API and ops endpoints.
func (s *Server) Hub() *Hub { return s.hub }

// Register mounts the gateway route.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /app/{key}", s.handleWebSocket)
}

// handleWebSocket runs the Pusher handshake for one connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	key := r.PathValue("key")
	ip := clientIP(r)

	if res := s.connectQuota.Allow(key + ":" + ip); !res.Allowed {
		monitoring.RateLimited.WithLabelValues("connect").Inc()
		monitoring.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if v := r.URL.Query().Get("protocol"); v != "" && v != "5" && v != "6" && v != "7" {
		s.logger.Debug().Str("protocol", v).Str("key", key).Msg("unknown protocol version requested")
	}

	isTLS := r.TLS != nil

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		return
	}

	// The whole handshake, upgrade through established frame, is bounded.
	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	app, err := s.apps.ByKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, apps.ErrAppNotFound) {
			monitoring.ConnectionsRejected.WithLabelValues("app_not_found").Inc()
			s.rejectHandshake(conn, protocol.CloseAppNotFound, "app key "+key+" not found")
			return
		}
		s.logger.Error().Err(err).Str("key", key).Msg("app lookup failed")
		s.rejectHandshake(conn, protocol.CloseAppNotFound, "app lookup failed")
		return
	}
	if !app.Enabled {
		monitoring.ConnectionsRejected.WithLabelValues("app_disabled").Inc()
		s.rejectHandshake(conn, protocol.CloseAppDisabled, "app is disabled")
		return
	}
	if s.cfg.SSLRequired && !isTLS {
		monitoring.ConnectionsRejected.WithLabelValues("ssl_required").Inc()
		s.rejectHandshake(conn, protocol.CloseSSLRequired, "SSL connections are required")
		return
	}
	if app.MaxConnections > 0 && s.hub.connectionsCount(app.ID) >= app.MaxConnections {
		monitoring.ConnectionsRejected.WithLabelValues("connection_quota").Inc()
		s.rejectHandshake(conn, protocol.CloseConnectionQuota, "connection quota reached")
		return
	}

	sock := newSocket(
		protocol.GenerateSocketID(),
		app,
		conn,
		ip,
		s.cfg.SendBuffer,
		app.MaxClientEventsPerSecond,
		s.logger,
	)
	s.hub.register(sock)

	sock.Send(protocol.NewConnectionEstablished(sock.id, int(s.cfg.ActivityTimeout.Seconds())))

	// Handshake done; per-frame deadlines take over in the pumps.
	conn.SetDeadline(time.Time{})

	go s.hub.writePump(sock)
	go s.hub.readPump(sock, s.cfg.ActivityTimeout, s.cfg.PongTimeout)

	s.logger.Debug().
		Str("socket_id", sock.id).
		Str("app_id", app.ID).
		Str("remote", ip).
		Msg("connection established")
}

// rejectHandshake accepts the upgrade then immediately closes with a Pusher
// handshake code, matching client expectations for 4xxx rejections.
func (s *Server) rejectHandshake(conn net.Conn, code int, reason string) {
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	wsutil.WriteServerMessage(conn, ws.OpClose, body)
	conn.Close()
}

// Shutdown stops accepting connections and drains the node: every socket is
// closed with 4301 and the call returns once all are gone or ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	s.shuttingDown.Store(true)
	defer s.connectQuota.Stop()
	closed := s.hub.CloseAll(protocol.CloseServerShutdown, "server is shutting down")
	s.logger.Info().Int("connections", closed).Msg("draining connections")

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Warn().Int("remaining", s.hub.OpenSockets()).Msg("drain grace expired")
			return
		case <-ticker.C:
			if s.hub.OpenSockets() == 0 {
				s.logger.Info().Msg("all connections drained")
				return
			}
		}
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
