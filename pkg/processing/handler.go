package processing

import (
	"context"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/censys/scan-browser/pkg/metrics"
	"github.com/censys/scan-browser/pkg/storage"
)

// DLQ reasons.
const (
	ReasonParse     = "parse_error"
	ReasonNormalize = "normalize_error"
	ReasonInvalidIP = "invalid_ip"
)

// ScanDB represents the storage dependency used by the handler.
type ScanDB interface {
	UpsertLatest(ctx context.Context, record storage.ScanRecord) error
}

// DLQPublisher publishes malformed messages to a dead-letter topic.
type DLQPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message, reason string) error
}

// PubSubDLQPublisher implements DLQPublisher using a Pub/Sub topic.
type PubSubDLQPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubDLQPublisher constructs a DLQ publisher for the given topic. If the
// topic is nil, publishes are treated as no-ops.
func NewPubSubDLQPublisher(topic *pubsub.Topic) *PubSubDLQPublisher {
	return &PubSubDLQPublisher{topic: topic}
}

// Publish sends the message to the DLQ topic. If topic is nil, it is a no-op.
func (p *PubSubDLQPublisher) Publish(ctx context.Context, msg *pubsub.Message, reason string) error {
	if p.topic == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.topic.Publish(ctx, &pubsub.Message{
		Data:       msg.Data,
		Attributes: dlqAttributes(msg, reason),
	}).Get(ctx)
	return err
}

func dlqAttributes(msg *pubsub.Message, reason string) map[string]string {
	attrs := map[string]string{
		"reason":      reason,
		"orig_msg_id": msg.ID,
	}
	// DeliveryAttempt is only populated when the subscription has a
	// dead-letter policy.
	if msg.DeliveryAttempt != nil {
		attrs["delivery_attempt"] = strconv.Itoa(*msg.DeliveryAttempt)
	}
	return attrs
}

// NoopDLQPublisher is used when no DLQ topic is configured.
type NoopDLQPublisher struct{}

func (n *NoopDLQPublisher) Publish(ctx context.Context, msg *pubsub.Message, reason string) error {
	return nil
}

// Processor turns Pub/Sub scan messages into stored scan records.
type Processor struct {
	db      ScanDB
	dlq     DLQPublisher
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewProcessor wires a processor. A nil dlq falls back to NoopDLQPublisher and
// m may be nil.
func NewProcessor(db ScanDB, dlq DLQPublisher, log logrus.FieldLogger, m *metrics.Metrics) *Processor {
	if dlq == nil {
		dlq = &NoopDLQPublisher{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Processor{db: db, dlq: dlq, log: log, metrics: m}
}

// HandleMessage processes a Pub/Sub message and returns true if it should be
// acked (even when sent to DLQ) or false to Nack (for retriable errors).
func (p *Processor) HandleMessage(ctx context.Context, msg *pubsub.Message) bool {
	scan, err := ParseScanMessage(msg.Data)
	if err != nil {
		return p.deadLetter(ctx, msg, ReasonParse, p.log.WithError(err))
	}
	fields := p.log.WithFields(logrus.Fields{
		"ip":      scan.Ip,
		"port":    scan.Port,
		"service": scan.Service,
	})

	resp, err := scan.ResponseString()
	if err != nil {
		return p.deadLetter(ctx, msg, ReasonNormalize, fields.WithError(err))
	}

	ip, err := storage.CanonicalIP(scan.Ip)
	if err != nil {
		return p.deadLetter(ctx, msg, ReasonInvalidIP, fields.WithError(err))
	}

	record := storage.ScanRecord{
		IP:           ip,
		Port:         scan.Port,
		Service:      scan.Service,
		Timestamp:    time.Unix(scan.Timestamp, 0).UTC(),
		Response:     resp,
		OnionRouting: scan.OnionRouting(),
	}

	if err := p.db.UpsertLatest(ctx, record); err != nil {
		fields.WithError(err).Error("upsert failed")
		p.metrics.IngestOutcome(metrics.OutcomeRetry)
		return false
	}

	fields.Debug("scan stored")
	p.metrics.IngestOutcome(metrics.OutcomeStored)
	return true
}

func (p *Processor) deadLetter(ctx context.Context, msg *pubsub.Message, reason string, entry logrus.FieldLogger) bool {
	entry.WithField("reason", reason).Warn("pushing message to DLQ")
	if err := p.dlq.Publish(ctx, msg, reason); err != nil {
		entry.WithError(err).Error("error publishing to DLQ")
		p.metrics.IngestOutcome(metrics.OutcomeRetry)
		return false
	}
	p.metrics.IngestOutcome(metrics.OutcomeDLQ)
	return true
}
