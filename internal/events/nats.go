package events

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/parkpoints/pkg/parking"
	"github.com/nats-io/nats.go"
)

// natsConn is the part of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events on "<prefix><event type>" subjects.
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

// ConnectNATS dials url and returns a publisher plus a close func.
func ConnectNATS(url string, prefix string) (*NATSPublisher, func(), error) {
	conn, err := nats.Connect(url, nats.Name("parkpointsd"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSPublisher(conn, prefix), conn.Close, nil
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn natsConn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

func (publisher *NATSPublisher) Publish(ctx context.Context, event parking.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := Encode(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Type, err)
	}
	if err := publisher.conn.Publish(publisher.prefix+event.Type, payload); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}
