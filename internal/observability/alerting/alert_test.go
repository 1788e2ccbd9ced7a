package alerting

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/notify"
)

type recordingEmitter struct{ events []notify.Event }

func (r *recordingEmitter) Emit(events ...notify.Event) { r.events = append(r.events, events...) }

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return "broken" }
func (failingNotifier) Notify(context.Context, Event) error {
	return errors.New("unreachable")
}

func TestFanoutDeliversToAuditAndBus(t *testing.T) {
	var buf bytes.Buffer
	audit := &AuditNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	bus := &recordingEmitter{}
	fanout := NewFanout(audit, &BusNotifier{Bus: bus}, nil)

	cause := xerrors.New(xerrors.CodeRetriesExhausted, "settlement retries exhausted").With(xerrors.WithMetadata("target", "completed"))
	evt := FromError(cause, "e-1", "", 5, 5, time.Unix(1700000000, 0))
	if err := fanout.Notify(context.Background(), evt); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if !strings.Contains(buf.String(), "operator_escalation") || !strings.Contains(buf.String(), "meta.target") {
		t.Fatalf("audit record missing fields: %s", buf.String())
	}
	if len(bus.events) != 1 {
		t.Fatalf("expected one bus event, got %d", len(bus.events))
	}
	got := bus.events[0]
	if got.Type != notify.TypeOperatorEscalation || got.Key != "e-1:escalation:RETRIES_EXHAUSTED" {
		t.Fatalf("unexpected bus event %+v", got)
	}
	if len(fanout.Channels()) != 2 {
		t.Fatalf("nil notifier should be ignored")
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	fanout := NewFanout(failingNotifier{}, &BusNotifier{Bus: &recordingEmitter{}})
	err := fanout.Notify(context.Background(), Event{Code: xerrors.CodeUnknown})
	if err == nil || !strings.Contains(err.Error(), "channel broken") {
		t.Fatalf("expected joined channel error, got %v", err)
	}
}
