package protocol

import (
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	messages := []Message{
		Start{Key: "captures/abc"},
		Start{},
		UploadInfo{Key: "captures/abc", UploadID: "up-1"},
		UploadInfo{Key: "captures/abc"},
		Stop{},
		PartAck{PartNumber: 3, Size: 6 << 20, ETag: "etag-3"},
		Completed{Location: "s3://bucket/captures/abc", Key: "captures/abc"},
		SessionError{Message: "boom"},
	}

	for _, msg := range messages {
		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode(%#v): %v", msg, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", data, err)
		}
		if got != msg {
			t.Errorf("round trip: got %#v, want %#v", got, msg)
		}
	}
}

func TestDecodeTypeTag(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{"type":"partAck","partNumber":2,"size":100,"etag":"e2"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ack, ok := msg.(PartAck)
	if !ok {
		t.Fatalf("got %T, want PartAck", msg)
	}
	if ack.PartNumber != 2 || ack.Size != 100 || ack.ETag != "e2" {
		t.Errorf("unexpected fields: %#v", ack)
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"unknown type", `{"type":"selfDestruct"}`},
		{"missing type", `{"key":"k"}`},
		{"empty", ``},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode(%q): got %v, want ErrMalformed", tc.data, err)
			}
		})
	}
}

func TestPhaseCanConnect(t *testing.T) {
	t.Parallel()

	want := map[Phase]bool{
		PhaseIdle:            true,
		PhaseConnecting:      false,
		PhaseAwaitingSession: false,
		PhaseReady:           false,
		PhaseStreaming:       false,
		PhaseFinalizing:      false,
		PhaseCompleted:       true,
		PhaseFailed:          true,
	}
	for phase, wantOK := range want {
		if got := phase.CanConnect(); got != wantOK {
			t.Errorf("%s.CanConnect(): got %v, want %v", phase, got, wantOK)
		}
	}
}

func TestPhaseString(t *testing.T) {
	t.Parallel()

	if got := PhaseStreaming.String(); got != "streaming" {
		t.Errorf("got %q, want %q", got, "streaming")
	}
	if got := Phase(99).String(); got != "unknown" {
		t.Errorf("got %q, want %q", got, "unknown")
	}
}
