package ami

import (
	"bufio"
	"io"
	"strings"
	"testing"
)

func TestReadFrameParsesResponse(t *testing.T) {
	raw := "Asterisk Call Manager/5.0\r\n" +
		"Response: Success\r\nActionID: od-1\r\nMessage: Authentication accepted\r\n\r\n"

	frame, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !frame.IsResponse() || frame.IsEvent() {
		t.Fatalf("expected a response frame, got %v", frame)
	}
	if frame.Get("ActionID") != "od-1" {
		t.Fatalf("expected ActionID od-1, got %q", frame.Get("ActionID"))
	}
	if frame.Get("Message") != "Authentication accepted" {
		t.Fatalf("unexpected message %q", frame.Get("Message"))
	}
}

func TestReadFrameSequence(t *testing.T) {
	raw := "Event: Newchannel\r\nUniqueid: tok-1\r\nChannel: SIP/trunk-0001\r\n\r\n" +
		"Event: Hangup\r\nUniqueid: tok-1\r\nCause: 16\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	first, err := readFrame(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Get("Event") != "Newchannel" {
		t.Fatalf("expected Newchannel, got %q", first.Get("Event"))
	}

	second, err := readFrame(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Get("Cause") != "16" {
		t.Fatalf("expected hangup cause 16, got %q", second.Get("Cause"))
	}

	if _, err := readFrame(r); err != io.EOF {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestWriteActionDeterministic(t *testing.T) {
	var b strings.Builder
	err := writeAction(&b, "Originate", "od-7", map[string]string{
		"Exten":   "s",
		"Channel": "SIP/trunk/5550100",
		"Async":   "true",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "Action: Originate\r\nActionID: od-7\r\n" +
		"Async: true\r\nChannel: SIP/trunk/5550100\r\nExten: s\r\n\r\n"
	if b.String() != want {
		t.Fatalf("unexpected serialization:\n%q\nwant:\n%q", b.String(), want)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	var b strings.Builder
	if err := writeAction(&b, "Hangup", "od-2", map[string]string{"Channel": "tok-9"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frame, err := readFrame(bufio.NewReader(strings.NewReader(b.String())))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.Get("Action") != "Hangup" || frame.Get("Channel") != "tok-9" {
		t.Fatalf("round trip lost fields: %v", frame)
	}
}

func TestTranslateFrame(t *testing.T) {
	cases := []struct {
		frame Frame
		want  string
		keep  bool
	}{
		{Frame{"Event": "Newchannel", "Uniqueid": "t1"}, "call:created", true},
		{Frame{"Event": "Newstate", "ChannelStateDesc": "Ringing", "Uniqueid": "t1"}, "call:ringing", true},
		{Frame{"Event": "Newstate", "ChannelStateDesc": "Up", "Uniqueid": "t1"}, "call:answered", true},
		{Frame{"Event": "Hangup", "Uniqueid": "t1", "Cause": "17"}, "call:hangup", true},
		{Frame{"Event": "DTMFEnd", "Uniqueid": "t1", "Digit": "9"}, "call:dtmf", true},
		{Frame{"Event": "AMD", "Uniqueid": "t1", "Status": "MACHINE"}, "call:amd", true},
		{Frame{"Event": "PeerStatus"}, "", false},
	}

	for _, tc := range cases {
		ev, ok := translateFrame(tc.frame)
		if ok != tc.keep {
			t.Errorf("frame %v: keep=%v, want %v", tc.frame, ok, tc.keep)
			continue
		}
		if ok && string(ev.Type) != tc.want {
			t.Errorf("frame %v: type=%s, want %s", tc.frame, ev.Type, tc.want)
		}
	}
}

func TestTranslateFramePayloads(t *testing.T) {
	ev, ok := translateFrame(Frame{"Event": "Hangup", "Uniqueid": "t2", "Cause": "17"})
	if !ok || ev.HangupCause != "17" || ev.SessionToken != "t2" {
		t.Fatalf("unexpected hangup translation: %+v", ev)
	}

	ev, ok = translateFrame(Frame{"Event": "AMD", "Uniqueid": "t2", "Status": "HUMAN"})
	if !ok || ev.MachineDetected {
		t.Fatalf("HUMAN status must not set the machine flag: %+v", ev)
	}
}
