package notify

import (
	"context"

	"fleet-monitor/cleaning/internal/domain"
)

type alertPublisher interface {
	PublishAlert(ctx context.Context, payload []byte) error
}

// RedisSender publishes on the fleet alert channel the live feed listens to.
type RedisSender struct {
	pub alertPublisher
}

func NewRedisSender(pub alertPublisher) *RedisSender {
	return &RedisSender{pub: pub}
}

func (s *RedisSender) Name() string { return "redis" }

func (s *RedisSender) Send(ctx context.Context, _ domain.Alert, payload []byte) error {
	return s.pub.PublishAlert(ctx, payload)
}
