package service

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Stream configuration
const (
	StreamPenalties = "BIKELY_PENALTIES"
	StreamLocations = "BIKELY_LOCATIONS"
)

// EventStream persists the penalty and location subjects in JetStream so a
// restarted dashboard can replay what it missed. The core NATS publishes in
// the tracker land in these streams without any extra publish path.
type EventStream struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewEventStream creates the stream manager and ensures both streams exist
func NewEventStream(nc *nats.Conn) (*EventStream, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	s := &EventStream{nc: nc, js: js}
	if err := s.initStreams(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EventStream) initStreams() error {
	streams := []nats.StreamConfig{
		{
			Name:      StreamPenalties,
			Subjects:  []string{"bikely.penalty", "bikely.penalty.*"},
			Retention: nats.LimitsPolicy,
			MaxMsgs:   -1,
			MaxAge:    30 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      StreamLocations,
			Subjects:  []string{"bikely.uplink.*"},
			Retention: nats.LimitsPolicy,
			MaxMsgs:   -1,
			MaxBytes:  1 * 1024 * 1024 * 1024, // 1GB
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		_, err := s.js.AddStream(&cfg)
		if err != nil {
			if err == nats.ErrStreamNameAlreadyInUse {
				_, err = s.js.UpdateStream(&cfg)
				if err != nil {
					return fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
				}
			} else {
				return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
			}
		}
	}
	return nil
}

// SubscribePenalties attaches a durable consumer to the penalty stream
func (s *EventStream) SubscribePenalties(consumer string, handler func(msg *nats.Msg)) error {
	_, err := s.js.Subscribe("bikely.penalty.*", handler,
		nats.Durable(consumer),
		nats.ManualAck(),
	)
	return err
}

// ReplayPenalties delivers every penalty recorded since startTime to handler,
// returning once the stream is drained
func (s *EventStream) ReplayPenalties(startTime time.Time, handler func(msg *nats.Msg)) error {
	sub, err := s.js.SubscribeSync("bikely.penalty",
		nats.StartTime(startTime),
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		msg, err := sub.NextMsg(1 * time.Second)
		if err != nil {
			if err == nats.ErrTimeout {
				return nil
			}
			return err
		}
		handler(msg)
		msg.Ack()
	}
}

// StreamInfo returns the stream state (message count, byte size, first/last seq)
func (s *EventStream) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return s.js.StreamInfo(stream)
}
