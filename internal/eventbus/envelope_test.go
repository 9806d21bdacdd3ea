package eventbus

import (
	"testing"

	"github.com/friendsincode/skald_automix/internal/events"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := marshalEnvelope(events.EventTransitionStart, events.Payload{"strategy": "fallback"}, "node-a")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	env, err := unmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.EventType != events.EventTransitionStart {
		t.Fatalf("event type = %v", env.EventType)
	}
	if env.NodeID != "node-a" {
		t.Fatalf("node id = %v", env.NodeID)
	}
	if env.Payload["strategy"] != "fallback" {
		t.Fatalf("payload = %v", env.Payload)
	}
	if env.MessageID == "" {
		t.Fatalf("message id must be set")
	}
}

func TestUnmarshalEnvelope_Garbage(t *testing.T) {
	if _, err := unmarshalEnvelope([]byte("{nope")); err == nil {
		t.Fatalf("expected error for bad envelope")
	}
}
