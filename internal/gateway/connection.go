package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/studyhive/studyhive/internal/protocol"
	"github.com/studyhive/studyhive/internal/room"
)

// ConnectionConfig holds configuration for websocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	SendBuffer      int
	ReadBufferSize  int
	WriteBufferSize int
	MaxDecodeErrors int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  protocol.MaxFrameBytes,
		SendBuffer:      64,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxDecodeErrors: 8,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// Connection owns one websocket transport and its attachment to a room
// session. The session references the attachment for fan-out but never
// touches the socket.
type Connection struct {
	ID       string
	UserID   string
	Username string
	RoomCode string

	conn    *websocket.Conn
	att     *room.Attachment
	session *room.Session
	config  ConnectionConfig
}

// writePump drains the attachment's outbound queue onto the socket and
// keeps the transport alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.att.Done():
			// Session detached us.
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.att.Messages():
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound frames at the gateway boundary and forwards
// typed commands into the room's serialized event stream. Malformed
// frames are dropped connection-locally; the connection closes only
// after repeated garbage.
func (c *Connection) readPump() {
	defer func() {
		c.session.Detach(c.att)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	decodeErrors := 0
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		env, err := protocol.Decode(message)
		if err == nil && env.UserID != c.UserID {
			// A connection may only speak for the identity it attached
			// with.
			err = protocol.ErrMalformed
		}
		if err != nil {
			decodeErrors++
			log.Debug().
				Err(err).
				Str("connection_id", c.ID).
				Str("user_id", c.UserID).
				Int("decode_errors", decodeErrors).
				Msg("malformed frame dropped")
			c.sendMalformedNotice()
			if decodeErrors >= c.config.MaxDecodeErrors {
				log.Warn().
					Str("connection_id", c.ID).
					Str("user_id", c.UserID).
					Msg("closing connection after repeated malformed frames")
				return
			}
			continue
		}

		if err := c.session.Submit(c.att, env); err != nil {
			if errors.Is(err, room.ErrSessionStopped) {
				return
			}
		}
	}
}

// sendMalformedNotice reports a dropped frame to this connection only,
// through the outbound queue so it never races the write pump.
func (c *Connection) sendMalformedNotice() {
	env, err := protocol.NewEnvelope(protocol.TypeError, "", "", protocol.ErrorPayload{
		Code:    protocol.CodeMalformedMessage,
		Message: "frame dropped: malformed or oversized",
	}, time.Now())
	if err != nil {
		return
	}
	data, err := env.Marshal()
	if err != nil {
		return
	}
	c.att.Notify(data)
}
