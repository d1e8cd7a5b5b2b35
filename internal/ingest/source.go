package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const pendingFrames = 64

// Connect opens a NATS connection that keeps reconnecting after the first success.
func Connect(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(
		url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Source delivers frames published by the detector process.
type Source struct {
	sub  *nats.Subscription
	msgs chan *nats.Msg
	log  zerolog.Logger
}

func NewSource(nc *nats.Conn, subject string, log zerolog.Logger) (*Source, error) {
	msgs := make(chan *nats.Msg, pendingFrames)
	sub, err := nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &Source{sub: sub, msgs: msgs, log: log}, nil
}

// Next blocks until a well-formed frame arrives. Malformed messages are dropped.
func (s *Source) Next(ctx context.Context) (*Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-s.msgs:
			if !ok {
				return nil, fmt.Errorf("frame subscription closed")
			}
			frame, err := Decode(msg.Data)
			if err != nil {
				s.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping frame message")
				continue
			}
			return frame, nil
		}
	}
}

func (s *Source) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}
