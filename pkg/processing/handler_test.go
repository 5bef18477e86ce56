package processing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censys/scan-browser/pkg/metrics"
	"github.com/censys/scan-browser/pkg/storage"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type stubDB struct {
	called int
	err    error
	record storage.ScanRecord
}

func (s *stubDB) UpsertLatest(ctx context.Context, record storage.ScanRecord) error {
	s.called++
	s.record = record
	return s.err
}

type stubDLQ struct {
	called  int
	reasons []string
	data    [][]byte
	err     error
}

func (s *stubDLQ) Publish(ctx context.Context, msg *pubsub.Message, reason string) error {
	s.called++
	s.reasons = append(s.reasons, reason)
	s.data = append(s.data, msg.Data)
	return s.err
}

func TestHandleMessage_MalformedJSON(t *testing.T) {
	ctx := context.Background()
	db := &stubDB{}
	dlq := &stubDLQ{}

	msg := &pubsub.Message{Data: []byte("{not json")}

	ack := NewProcessor(db, dlq, quietLogger(), nil).HandleMessage(ctx, msg)
	if !ack {
		t.Fatalf("expected ack despite DLQ, got nack")
	}
	if db.called != 0 {
		t.Fatalf("expected repo not called, got %d", db.called)
	}
	if dlq.called != 1 || dlq.reasons[0] != "parse_error" {
		t.Fatalf("unexpected dlq calls: %+v", dlq.reasons)
	}
}

func TestHandleMessage_BadResponseString(t *testing.T) {
	ctx := context.Background()
	db := &stubDB{}
	dlq := &stubDLQ{}

	payload := map[string]any{
		"ip":           "1.1.1.1",
		"port":         80,
		"service":      "HTTP",
		"timestamp":    1,
		"data_version": 99,
		"data":         map[string]any{},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg := &pubsub.Message{Data: raw}

	ack := NewProcessor(db, dlq, quietLogger(), nil).HandleMessage(ctx, msg)
	if !ack {
		t.Fatalf("expected ack despite DLQ, got nack")
	}
	if db.called != 0 {
		t.Fatalf("expected repo not called, got %d", db.called)
	}
	if dlq.called != 1 || dlq.reasons[0] != "normalize_error" {
		t.Fatalf("unexpected dlq calls: %+v", dlq.reasons)
	}
}

func TestHandleMessage_GoodMessage(t *testing.T) {
	ctx := context.Background()
	db := &stubDB{}
	dlq := &stubDLQ{}

	payload := map[string]any{
		"ip":           "1.1.1.1",
		"port":         80,
		"service":      "HTTP",
		"timestamp":    123,
		"data_version": 2,
		"data": map[string]any{
			"response_str": "ok",
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg := &pubsub.Message{Data: raw}

	ack := NewProcessor(db, dlq, quietLogger(), nil).HandleMessage(ctx, msg)
	if !ack {
		t.Fatalf("expected ack on success")
	}
	if db.called != 1 {
		t.Fatalf("expected repo called once, got %d", db.called)
	}
	if db.record.Response != "ok" {
		t.Fatalf("unexpected response stored: %q", db.record.Response)
	}
	if db.record.OnionRouting {
		t.Fatalf("HTTP scan must not be flagged as onion routing")
	}
	if dlq.called != 0 {
		t.Fatalf("expected no dlq publish, got %d", dlq.called)
	}
}

func TestHandleMessage_InvalidIP(t *testing.T) {
	ctx := context.Background()
	db := &stubDB{}
	dlq := &stubDLQ{}

	raw, err := json.Marshal(map[string]any{
		"ip":           "300.1.1.1",
		"port":         80,
		"service":      "HTTP",
		"timestamp":    1,
		"data_version": 2,
		"data":         map[string]any{"response_str": "ok"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	ack := NewProcessor(db, dlq, quietLogger(), nil).HandleMessage(ctx, &pubsub.Message{Data: raw})
	if !ack {
		t.Fatalf("expected ack despite DLQ, got nack")
	}
	if db.called != 0 {
		t.Fatalf("expected repo not called, got %d", db.called)
	}
	if dlq.called != 1 || dlq.reasons[0] != ReasonInvalidIP {
		t.Fatalf("unexpected dlq calls: %+v", dlq.reasons)
	}
}

func TestHandleMessage_TorAndCanonicalIP(t *testing.T) {
	ctx := context.Background()
	db := &stubDB{}

	raw, err := json.Marshal(map[string]any{
		"ip":           "::ffff:10.0.0.7",
		"port":         9001,
		"service":      "tor",
		"timestamp":    1700000000,
		"data_version": 2,
		"data":         map[string]any{"response_str": "relay"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if !NewProcessor(db, nil, quietLogger(), nil).HandleMessage(ctx, &pubsub.Message{Data: raw}) {
		t.Fatalf("expected ack on success")
	}
	if db.record.IP != "10.0.0.7" {
		t.Fatalf("expected canonical ip, got %q", db.record.IP)
	}
	if !db.record.OnionRouting {
		t.Fatalf("expected onion routing flag")
	}
	if db.record.Timestamp.Unix() != 1700000000 {
		t.Fatalf("unexpected timestamp %s", db.record.Timestamp)
	}
}

func TestHandleMessage_StoreErrorNacks(t *testing.T) {
	ctx := context.Background()
	db := &stubDB{err: errors.New("connection reset")}
	dlq := &stubDLQ{}

	raw, err := json.Marshal(map[string]any{
		"ip":           "1.1.1.1",
		"port":         80,
		"service":      "HTTP",
		"timestamp":    1,
		"data_version": 2,
		"data":         map[string]any{"response_str": "ok"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if NewProcessor(db, dlq, quietLogger(), nil).HandleMessage(ctx, &pubsub.Message{Data: raw}) {
		t.Fatalf("expected nack on store error")
	}
	if dlq.called != 0 {
		t.Fatalf("store errors are retried, not dead-lettered")
	}
}

func TestHandleMessage_DLQFailureNacks(t *testing.T) {
	dlq := &stubDLQ{err: errors.New("topic gone")}
	msg := &pubsub.Message{Data: []byte("{not json")}

	if NewProcessor(&stubDB{}, dlq, quietLogger(), nil).HandleMessage(context.Background(), msg) {
		t.Fatalf("expected nack when DLQ publish fails")
	}
}

func TestDLQAttributes(t *testing.T) {
	attempt := 3
	attrs := dlqAttributes(&pubsub.Message{ID: "m1", DeliveryAttempt: &attempt}, ReasonParse)
	if attrs["delivery_attempt"] != "3" || attrs["orig_msg_id"] != "m1" || attrs["reason"] != ReasonParse {
		t.Fatalf("unexpected attributes: %+v", attrs)
	}

	attrs = dlqAttributes(&pubsub.Message{ID: "m2"}, ReasonNormalize)
	if _, ok := attrs["delivery_attempt"]; ok {
		t.Fatalf("delivery_attempt must be absent without a dead-letter policy: %+v", attrs)
	}
}

func TestHandleMessage_CountsOutcomes(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	good := []byte(`{"ip":"1.1.1.1","port":80,"service":"HTTP","timestamp":1,"data_version":2,"data":{"response_str":"ok"}}`)

	p := NewProcessor(&stubDB{}, &stubDLQ{}, quietLogger(), m)
	require.True(t, p.HandleMessage(ctx, &pubsub.Message{Data: good}))
	require.True(t, p.HandleMessage(ctx, &pubsub.Message{Data: []byte("{not json")}))

	failing := NewProcessor(&stubDB{err: errors.New("down")}, &stubDLQ{}, quietLogger(), m)
	require.False(t, failing.HandleMessage(ctx, &pubsub.Message{Data: good}))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()
	assert.Contains(t, body, `scanbrowser_ingest_messages_total{outcome="stored"} 1`)
	assert.Contains(t, body, `scanbrowser_ingest_messages_total{outcome="dlq"} 1`)
	assert.Contains(t, body, `scanbrowser_ingest_messages_total{outcome="retry"} 1`)
}
