package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Room event types handed off to external consumers (notifications,
// analytics). Delivery beyond the handoff is out of scope here.
const (
	TypeRoomCreated       = "RoomCreated"
	TypeParticipantJoined = "ParticipantJoined"
	TypeParticipantLeft   = "ParticipantLeft"
	TypeSessionComplete   = "SessionComplete"
)

// RoomEvent is the envelope published to the room event stream.
type RoomEvent struct {
	ID        string          `json:"eventId"`
	RoomCode  string          `json:"roomCode"`
	Type      string          `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Publisher hands room events off to the message bus. Publishing is
// best-effort from the session's point of view and must never block
// room traffic.
type Publisher interface {
	Publish(ctx context.Context, ev RoomEvent) error
}

// JetStreamConfig holds configuration for the room event stream.
type JetStreamConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	MaxAge        time.Duration
}

// DefaultJetStreamConfig returns the default stream configuration.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:           nats.DefaultURL,
		StreamName:    "ROOM_EVENTS",
		SubjectPrefix: "room.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		MaxAge:        7 * 24 * time.Hour,
	}
}

// JetStreamPublisher publishes room events to a NATS JetStream stream.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

// NewJetStreamPublisher connects to NATS and ensures the room event
// stream exists.
func NewJetStreamPublisher(cfg JetStreamConfig) (*JetStreamPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, config: cfg}
	if err := p.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     p.config.StreamName,
		Subjects: []string{p.config.SubjectPrefix + ".>"},
		MaxAge:   p.config.MaxAge,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("stream", p.config.StreamName).
		Str("subjects", p.config.SubjectPrefix+".>").
		Msg("room event stream ready")
	return nil
}

// Publish sends one room event to room.events.<code>.
func (p *JetStreamPublisher) Publish(ctx context.Context, ev RoomEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal room event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.config.SubjectPrefix, ev.RoomCode)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID)); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, subject, err)
	}

	log.Debug().
		Str("event_id", ev.ID).
		Str("room_code", ev.RoomCode).
		Str("event_type", ev.Type).
		Msg("room event published")
	return nil
}

// Close shuts down the NATS connection.
func (p *JetStreamPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// NopPublisher discards events. Used when no message bus is configured
// and in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev RoomEvent) error { return nil }
