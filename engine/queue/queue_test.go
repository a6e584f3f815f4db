package queue

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

func startTestJetStream(t *testing.T) *JetStreamDriver {
	t.Helper()
	opts := &natsserver.Options{Port: -1, JetStream: true, StoreDir: t.TempDir()}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	t.Cleanup(srv.Shutdown)

	cfg := DefaultConfig()
	cfg.URL = srv.ClientURL()
	cfg.Namespace = "testns"
	cfg.DelaySweepEvery = 20 * time.Millisecond

	d, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestEnqueueDequeueAck_RoundTrips(t *testing.T) {
	d := startTestJetStream(t)
	ctx := context.Background()

	if err := d.Enqueue(ctx, map[string]string{"k": "v"}, "job-1", PriorityNormal, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	del, err := d.Dequeue(ctx, []Priority{PriorityNormal}, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if del == nil {
		t.Fatal("expected a delivery")
	}
	if del.JobID != "job-1" {
		t.Errorf("expected job-1, got %s", del.JobID)
	}
	if err := d.Ack(ctx, del); err != nil {
		t.Errorf("Ack: %v", err)
	}
}

func TestDequeue_PrefersHigherPriority(t *testing.T) {
	d := startTestJetStream(t)
	ctx := context.Background()

	if err := d.Enqueue(ctx, "low-body", "low-job", PriorityLow, 0); err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	if err := d.Enqueue(ctx, "high-body", "high-job", PriorityHigh, 0); err != nil {
		t.Fatalf("Enqueue high: %v", err)
	}

	del, err := d.Dequeue(ctx, nil, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if del == nil || del.JobID != "high-job" {
		t.Fatalf("expected high-job dequeued first, got %+v", del)
	}
}

func TestNack_RedeliversMessage(t *testing.T) {
	d := startTestJetStream(t)
	ctx := context.Background()

	if err := d.Enqueue(ctx, "body", "job-2", PriorityNormal, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	del, err := d.Dequeue(ctx, []Priority{PriorityNormal}, time.Second)
	if err != nil || del == nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := d.Nack(ctx, del, 0); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	redelivered, err := d.Dequeue(ctx, []Priority{PriorityNormal}, time.Second)
	if err != nil {
		t.Fatalf("Dequeue after nack: %v", err)
	}
	if redelivered == nil || redelivered.JobID != "job-2" {
		t.Fatalf("expected job-2 redelivered, got %+v", redelivered)
	}
}

func TestEnqueue_DelayedHoldsUntilSwept(t *testing.T) {
	d := startTestJetStream(t)
	ctx := context.Background()

	if err := d.Enqueue(ctx, "body", "delayed-job", PriorityNormal, 50*time.Millisecond); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	immediate, err := d.Dequeue(ctx, []Priority{PriorityNormal}, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if immediate != nil {
		t.Fatalf("expected nothing dequeued before wake time, got %+v", immediate)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		del, err := d.Dequeue(ctx, []Priority{PriorityNormal}, time.Second)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if del != nil {
			if del.JobID != "delayed-job" {
				t.Fatalf("expected delayed-job, got %s", del.JobID)
			}
			return
		}
	}
	t.Fatal("expected delayed job to become available after sweep")
}

func TestSetMetaGetMeta_RoundTrips(t *testing.T) {
	d := startTestJetStream(t)
	ctx := context.Background()

	if err := d.SetMeta(ctx, "job-3", "canceled_before_start", "true"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	meta, err := d.GetMeta(ctx, "job-3")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta["canceled_before_start"] != "true" {
		t.Errorf("expected canceled_before_start=true, got %+v", meta)
	}
}

func TestGetMeta_UnknownJobReturnsNil(t *testing.T) {
	d := startTestJetStream(t)
	meta, err := d.GetMeta(context.Background(), "no-such-job")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta != nil {
		t.Errorf("expected nil for unknown job, got %+v", meta)
	}
}

func TestCancelQueued_SetsMetaFlag(t *testing.T) {
	d := startTestJetStream(t)
	ctx := context.Background()

	ok, err := d.CancelQueued(ctx, "job-4")
	if err != nil || !ok {
		t.Fatalf("CancelQueued: ok=%v err=%v", ok, err)
	}
	meta, err := d.GetMeta(ctx, "job-4")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta["canceled_before_start"] != "true" {
		t.Errorf("expected canceled flag set, got %+v", meta)
	}
}

func TestLength_ReflectsPendingMessages(t *testing.T) {
	d := startTestJetStream(t)
	ctx := context.Background()

	if err := d.Enqueue(ctx, "a", "job-5", PriorityNormal, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := d.Enqueue(ctx, "b", "job-6", PriorityNormal, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	n, err := d.Length(ctx, PriorityNormal)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if n < 2 {
		t.Errorf("expected at least 2 pending messages, got %d", n)
	}
}

func TestPing_ReportsConnectionState(t *testing.T) {
	d := startTestJetStream(t)
	if !d.Ping() {
		t.Error("expected Ping true while connected")
	}
	d.Close()
	if d.Ping() {
		t.Error("expected Ping false after Close")
	}
}

func TestSubjectFor_DefaultsEmptyPriorityToNormal(t *testing.T) {
	if got, want := subjectFor("ns", ""), subjectFor("ns", PriorityNormal); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
