package bus

import (
	"encoding/json"
	"testing"
)

func TestSubject(t *testing.T) {
	tests := []struct{ typ, want string }{
		{"irc:message", "irc.message"},
		{"irc:warning:duplicateChannelSpecs", "irc.warning.duplicateChannelSpecs"},
		{"heartbeat", "heartbeat"},
	}
	for _, tt := range tests {
		if got := Subject(tt.typ); got != tt.want {
			t.Errorf("Subject(%q) = %q, want %q", tt.typ, got, tt.want)
		}
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	raw, err := json.Marshal(Envelope{Type: "irc:message", Data: json.RawMessage(`{"nick":"alice"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(raw); got != `{"type":"irc:message","data":{"nick":"alice"}}` {
		t.Fatalf("envelope = %s", got)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "irc:message" || string(env.Data) != `{"nick":"alice"}` {
		t.Fatalf("round trip = %+v", env)
	}
}
