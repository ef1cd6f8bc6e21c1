package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"fleet-monitor/cleaning/internal/domain"
)

type fakeSender struct {
	name     string
	err      error
	payloads [][]byte
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(_ context.Context, _ domain.Alert, payload []byte) error {
	f.payloads = append(f.payloads, payload)
	return f.err
}

type fakePublisher struct{ got []byte }

func (p *fakePublisher) PublishAlert(_ context.Context, payload []byte) error {
	p.got = payload
	return nil
}

var sampleAlert = domain.Alert{
	ID:        42,
	VehicleID: "AB1234",
	Kind:      domain.AlertRepeatedDirty,
	Severity:  domain.SeverityWarning,
	Detail:    "vehicle marked dirty 2 times in the last 72h",
	CreatedAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
}

func TestEncodeShape(t *testing.T) {
	raw, err := Encode(sampleAlert)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "alert.created" {
		t.Errorf("type = %v", got["type"])
	}
	data, ok := got["data"].(map[string]any)
	if !ok {
		t.Fatalf("data = %#v", got["data"])
	}
	for _, key := range []string{"id", "vehicle_id", "kind", "severity", "detail", "created_at"} {
		if _, ok := data[key]; !ok {
			t.Errorf("missing data.%s", key)
		}
	}
	if data["kind"] != "repeated_dirty" {
		t.Errorf("kind = %v", data["kind"])
	}
}

func TestMultiContinuesPastFailingSender(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	failing := &fakeSender{name: "nats", err: errors.New("no servers")}
	ok := &fakeSender{name: "log"}
	m := NewMulti(logger, failing, ok)

	m.Publish(context.Background(), sampleAlert)

	if len(failing.payloads) != 1 || len(ok.payloads) != 1 {
		t.Fatalf("sends: failing=%d ok=%d", len(failing.payloads), len(ok.payloads))
	}
	if !bytes.Equal(failing.payloads[0], ok.payloads[0]) {
		t.Error("senders received different payloads")
	}
	if !strings.Contains(logs.String(), "no servers") {
		t.Errorf("failure not logged: %s", logs.String())
	}
	if got := strings.Join(m.Backends(), ","); got != "nats,log" {
		t.Errorf("backends = %s", got)
	}
}

func TestRedisSenderPublishesPayload(t *testing.T) {
	pub := &fakePublisher{}
	m := NewMulti(nil, NewRedisSender(pub))
	m.Publish(context.Background(), sampleAlert)

	var msg Message
	if err := json.Unmarshal(pub.got, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Data.ID != 42 || msg.Data.VehicleID != "AB1234" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestNewKafkaSenderRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaSender(nil, "cleaning.alerts", "test"); err == nil {
		t.Fatal("expected error without brokers")
	}
	s, err := NewKafkaSender([]string{"localhost:9092"}, "cleaning.alerts", "test")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Name() != "kafka" {
		t.Errorf("name = %s", s.Name())
	}
}

func TestKafkaAlertMessage(t *testing.T) {
	a := domain.Alert{ID: 9, VehicleID: "AB1234", Kind: domain.AlertVeryDirty, Severity: domain.SeverityCritical}
	msg := alertMessage(a, []byte(`{}`))
	if string(msg.Key) != "AB1234" {
		t.Fatalf("key = %q", msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event-type"] != EventAlertCreated {
		t.Fatalf("event-type header = %q", headers["event-type"])
	}
	if headers["severity"] != string(domain.SeverityCritical) {
		t.Fatalf("severity header = %q", headers["severity"])
	}
}
