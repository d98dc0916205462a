package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type recordingNotifier struct {
	sent []Notification
	err  error
}

func (r *recordingNotifier) Send(_ context.Context, n Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(zerolog.Nop())

	err := n.Send(context.Background(), Notification{
		EventType: EventCompleted,
		Summary:   "runbook completed",
		Severity:  SeverityInfo,
		Resource:  "orphan_resource_cleanup",
		Actor:     "alice",
	})
	if err != nil {
		t.Fatalf("log notifier returned error: %v", err)
	}
}

func TestFanoutDeliversToAll(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{err: errors.New("sink down")}
	c := &recordingNotifier{}

	f := NewFanout(a, b, c)

	err := f.Send(context.Background(), Notification{
		EventType: EventFailed,
		Severity:  SeverityCritical,
	})
	if err == nil {
		t.Fatal("expected fanout to surface the sink failure")
	}

	for i, r := range []*recordingNotifier{a, b, c} {
		if len(r.sent) != 1 {
			t.Errorf("notifier %d received %d notifications, want 1", i, len(r.sent))
		}
	}
}
