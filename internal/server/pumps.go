package server

import (
	"bufio"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/JosueRhea/sockudo/internal/monitoring"
	"github.com/JosueRhea/sockudo/internal/protocol"
)

const writeWait = 10 * time.Second

// readPump owns the socket's read side: frames in, activity timing, and the
// final teardown. Inactivity is driven by read deadlines; when one fires the
// server pings and grants the pong window before closing 4201.
func (h *Hub) readPump(s *Socket, activityTimeout, pongTimeout time.Duration) {
	defer monitoring.RecoverPanic(s.logger, "readPump", nil)
	defer func() {
		s.Close(int(ws.StatusNormalClosure), "")
		h.teardown(s)
	}()

	s.conn.SetReadDeadline(time.Now().Add(activityTimeout))

	for {
		frame, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.mu.Lock()
				pending := s.pendingPong
				s.pendingPong = true
				s.mu.Unlock()

				if !pending {
					// Idle: ping the peer and arm the pong window.
					s.Send(protocol.NewPing())
					s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
					continue
				}
				monitoring.Disconnects.WithLabelValues("activity_timeout").Inc()
				s.Close(protocol.CloseActivityTimeout, "pong timeout")
				return
			}
			// Peer went away or the writePump tore the connection down.
			monitoring.Disconnects.WithLabelValues("read_error").Inc()
			return
		}

		// Any inbound frame counts as activity.
		s.mu.Lock()
		s.pendingPong = false
		s.mu.Unlock()
		s.conn.SetReadDeadline(time.Now().Add(activityTimeout))

		monitoring.MessagesReceived.WithLabelValues(s.app.ID).Inc()

		switch op {
		case ws.OpText:
			h.handleMessage(s, frame)
		case ws.OpPing:
			wsutil.WriteServerMessage(s.conn, ws.OpPong, nil)
		case ws.OpClose:
			monitoring.Disconnects.WithLabelValues("client_close").Inc()
			return
		}
	}
}

// writePump drains the send queue, batching bursts through one buffered
// writer, and emits the close frame when the socket enters Closing.
func (h *Hub) writePump(s *Socket) {
	defer monitoring.RecoverPanic(s.logger, "writePump", nil)

	writer := bufio.NewWriter(s.conn)
	defer s.conn.Close()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
				s.logger.Debug().Err(err).Msg("write failed")
				return
			}
			// Drain whatever accumulated while we were writing.
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := wsutil.WriteServerMessage(writer, ws.OpText, <-s.send); err != nil {
					s.logger.Debug().Err(err).Msg("write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Msg("flush failed")
				return
			}

		case <-s.done:
			code, reason := s.closeStatus()
			// Flush frames queued before the close so the peer sees, for
			// example, the final pusher:error.
			n := len(s.send)
			for i := 0; i < n; i++ {
				wsutil.WriteServerMessage(writer, ws.OpText, <-s.send)
			}
			writer.Flush()

			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
			wsutil.WriteServerMessage(s.conn, ws.OpClose, body)
			return
		}
	}
}
