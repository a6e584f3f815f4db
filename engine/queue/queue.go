// Package queue implements the queue driver: a durable FIFO
// with delayed enqueue and per-job metadata, backed by NATS JetStream,
// so visibility timeout and durable redelivery are native rather than
// hand-rolled.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrQueueUnavailable wraps any NATS connectivity failure.
var ErrQueueUnavailable = errors.New("queue: unavailable")

// Priority mirrors ingest.Priority without importing the ingest package,
// keeping engine/queue a leaf dependency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func subjectFor(namespace string, p Priority) string {
	if p == "" {
		p = PriorityNormal
	}
	return fmt.Sprintf("%s.jobs.%s", namespace, p)
}

// Envelope is the durable message body: the job id plus an opaque payload.
type Envelope struct {
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload"`
}

// Driver is the queue driver contract.
type Driver interface {
	Enqueue(ctx context.Context, payload any, jobID string, priority Priority, delay time.Duration) error
	Dequeue(ctx context.Context, priorities []Priority, visibilityTimeout time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, requeueDelay time.Duration) error
	Length(ctx context.Context, priority Priority) (int, error)
	CancelQueued(ctx context.Context, jobID string) (bool, error)
	SetMeta(ctx context.Context, jobID, key, value string) error
	GetMeta(ctx context.Context, jobID string) (map[string]string, error)
	// Ping reports whether the driver's transport is currently reachable,
	// for cmd/api's readyz check.
	Ping() bool
}

// Delivery is one dequeued message, handed back to Ack/Nack.
type Delivery struct {
	JobID   string
	Payload json.RawMessage
	msg     jetstream.Msg
}

// JetStreamDriver implements Driver over a JetStream work-queue stream with
// a KV bucket for per-job metadata and a second KV bucket used as a delay
// store for scheduled (delayed) enqueues — JetStream has no native
// per-message publish delay, so delayed messages are held in the KV bucket
// keyed by wake time and swept into the real stream when due.
type JetStreamDriver struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	namespace string
	stream    jetstream.Stream
	meta      jetstream.KeyValue
	delayed   jetstream.KeyValue
	consumers map[Priority]jetstream.Consumer
}

// Config configures the JetStream-backed driver.
type Config struct {
	URL               string
	Namespace         string
	AckWait           time.Duration // default visibility timeout
	DelaySweepEvery   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		Namespace:       "ingest",
		AckWait:         30 * time.Second,
		DelaySweepEvery: time.Second,
	}
}

// Connect dials NATS and provisions the JetStream stream + KV buckets.
func Connect(ctx context.Context, cfg Config) (*JetStreamDriver, error) {
	nc, err := nats.Connect(cfg.URL, nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	streamName := cfg.Namespace + "_JOBS"
	subjects := []string{
		subjectFor(cfg.Namespace, PriorityLow),
		subjectFor(cfg.Namespace, PriorityNormal),
		subjectFor(cfg.Namespace, PriorityHigh),
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  subjects,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create stream: %v", ErrQueueUnavailable, err)
	}

	meta, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: cfg.Namespace + "_META"})
	if err != nil {
		return nil, fmt.Errorf("%w: create meta bucket: %v", ErrQueueUnavailable, err)
	}
	delayed, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: cfg.Namespace + "_DELAYED"})
	if err != nil {
		return nil, fmt.Errorf("%w: create delayed bucket: %v", ErrQueueUnavailable, err)
	}

	d := &JetStreamDriver{
		nc:        nc,
		js:        js,
		namespace: cfg.Namespace,
		stream:    stream,
		meta:      meta,
		delayed:   delayed,
		consumers: map[Priority]jetstream.Consumer{},
	}

	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = DefaultConfig().AckWait
	}
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		subj := subjectFor(cfg.Namespace, p)
		cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       fmt.Sprintf("%s_%s", cfg.Namespace, p),
			FilterSubject: subj,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       ackWait,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: create consumer %s: %v", ErrQueueUnavailable, p, err)
		}
		d.consumers[p] = cons
	}

	sweep := cfg.DelaySweepEvery
	if sweep <= 0 {
		sweep = DefaultConfig().DelaySweepEvery
	}
	go d.sweepDelayed(sweep)

	return d, nil
}

// Close drains the connection.
func (d *JetStreamDriver) Close() { d.nc.Close() }

// Ping reports whether the underlying NATS connection is usable, for readyz.
func (d *JetStreamDriver) Ping() bool { return d.nc.IsConnected() }

type delayedEntry struct {
	Priority Priority  `json:"priority"`
	JobID    string    `json:"job_id"`
	Payload  []byte    `json:"payload"`
	WakeAt   time.Time `json:"wake_at"`
}

// Enqueue publishes payload onto the queue for jobID at priority,
// either immediately or (when delay > 0) held in the delayed-entry KV
// bucket until its wake time.
func (d *JetStreamDriver) Enqueue(ctx context.Context, payload any, jobID string, priority Priority, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if delay > 0 {
		entry := delayedEntry{Priority: priority, JobID: jobID, Payload: body, WakeAt: time.Now().Add(delay)}
		data, _ := json.Marshal(entry)
		_, err := d.delayed.Put(ctx, jobID, data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		return nil
	}
	return d.publish(ctx, priority, jobID, body)
}

func (d *JetStreamDriver) publish(ctx context.Context, priority Priority, jobID string, body []byte) error {
	env := Envelope{JobID: jobID, Payload: body}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = d.js.Publish(ctx, subjectFor(d.namespace, priority), data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// sweepDelayed periodically re-publishes delayed entries whose wake time
// has passed. It is the one mechanism behind both delayed enqueue and
// scheduled DLQ retries.
func (d *JetStreamDriver) sweepDelayed(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		ctx := context.Background()
		keys, err := d.delayed.Keys(ctx)
		if err != nil {
			continue
		}
		for _, k := range keys {
			entry, err := d.delayed.Get(ctx, k)
			if err != nil {
				continue
			}
			var de delayedEntry
			if err := json.Unmarshal(entry.Value(), &de); err != nil {
				continue
			}
			if time.Now().Before(de.WakeAt) {
				continue
			}
			if err := d.publish(ctx, de.Priority, de.JobID, de.Payload); err == nil {
				_ = d.delayed.Delete(ctx, k)
			}
		}
	}
}

// Dequeue pulls one message from the highest-priority non-empty consumer.
func (d *JetStreamDriver) Dequeue(ctx context.Context, priorities []Priority, visibilityTimeout time.Duration) (*Delivery, error) {
	if len(priorities) == 0 {
		priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}
	}
	for _, p := range priorities {
		cons, ok := d.consumers[p]
		if !ok {
			continue
		}
		msgs, err := cons.Fetch(1, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			continue
		}
		for msg := range msgs.Messages() {
			var env Envelope
			if err := json.Unmarshal(msg.Data(), &env); err != nil {
				_ = msg.Term()
				continue
			}
			return &Delivery{JobID: env.JobID, Payload: env.Payload, msg: msg}, nil
		}
	}
	return nil, nil
}

// Ack marks a delivery complete.
func (d *JetStreamDriver) Ack(ctx context.Context, del *Delivery) error {
	if del == nil || del.msg == nil {
		return nil
	}
	return del.msg.Ack()
}

// Nack requeues a delivery, optionally after requeueDelay.
func (d *JetStreamDriver) Nack(ctx context.Context, del *Delivery, requeueDelay time.Duration) error {
	if del == nil || del.msg == nil {
		return nil
	}
	if requeueDelay > 0 {
		return del.msg.NakWithDelay(requeueDelay)
	}
	return del.msg.Nak()
}

// Length reports the pending message count for one priority's subject.
func (d *JetStreamDriver) Length(ctx context.Context, priority Priority) (int, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	cons, ok := d.consumers[priority]
	if !ok {
		return 0, fmt.Errorf("queue: unknown priority %q", priority)
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return int(info.NumPending), nil
}

// CancelQueued best-effort marks a job's meta as canceled-before-dequeue;
// JetStream work-queue retention does not support deleting a single queued
// message by job id without sequence tracking, so this only records a
// canceled_before_start flag in the job's metadata; the queued message
// itself stays in the stream.
func (d *JetStreamDriver) CancelQueued(ctx context.Context, jobID string) (bool, error) {
	if err := d.SetMeta(ctx, jobID, "canceled_before_start", "true"); err != nil {
		return false, err
	}
	return true, nil
}

// SetMeta stores one key for a job in the metadata KV bucket.
func (d *JetStreamDriver) SetMeta(ctx context.Context, jobID, key, value string) error {
	current, _ := d.GetMeta(ctx, jobID)
	if current == nil {
		current = map[string]string{}
	}
	current[key] = value
	data, err := json.Marshal(current)
	if err != nil {
		return err
	}
	_, err = d.meta.Put(ctx, jobID, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// GetMeta returns the metadata map for a job, or nil if none is set.
func (d *JetStreamDriver) GetMeta(ctx context.Context, jobID string) (map[string]string, error) {
	entry, err := d.meta.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	var m map[string]string
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, err
	}
	return m, nil
}
