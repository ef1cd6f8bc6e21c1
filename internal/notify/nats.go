package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"fleet-monitor/cleaning/internal/domain"
)

type NATSSender struct {
	conn    *nats.Conn
	subject string
}

func NewNATSSender(url, subject, clientName string) (*NATSSender, error) {
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSSender{conn: conn, subject: subject}, nil
}

func (s *NATSSender) Name() string { return "nats" }

func (s *NATSSender) Send(_ context.Context, _ domain.Alert, payload []byte) error {
	return s.conn.Publish(s.subject, payload)
}

func (s *NATSSender) Close() {
	if s.conn != nil {
		s.conn.Drain()
		s.conn.Close()
	}
}
