package rendezvous

import "testing"

func TestParseLineHumanText(t *testing.T) {
	line, err := ParseLine("alice :: hey there")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if line.User != "alice" || line.Text != "hey there" || line.Control != nil {
		t.Fatalf("unexpected parse: %+v", line)
	}
}

func TestParseLineAnonymousDefault(t *testing.T) {
	line, err := ParseLine("just a message, no user prefix")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if line.User != "[Anonymous]" {
		t.Fatalf("expected anonymous default, got %q", line.User)
	}
}

func TestParseLineInvite(t *testing.T) {
	line, err := ParseLine("alice :: [$] INVITE bob 10.0.0.5 19001 c2lnbmVk")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if line.Control == nil {
		t.Fatalf("expected control message")
	}
	cm := line.Control
	if cm.Verb != VerbInvite || cm.LocalName != "bob" || cm.RemoteAddr != "10.0.0.5" || cm.RemoteUDPPort != 19001 || cm.SecretPayload != "c2lnbmVk" {
		t.Fatalf("unexpected control message: %+v", cm)
	}
}

func TestParseLineInviteWithoutPayload(t *testing.T) {
	line, err := ParseLine("alice :: [$] INVITE bob 10.0.0.5 19001")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if line.Control.SecretPayload != "" {
		t.Fatalf("expected empty secret payload, got %q", line.Control.SecretPayload)
	}
}

func TestParseLineBye(t *testing.T) {
	line, err := ParseLine("alice :: [$] BYE bob")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if line.Control.Verb != VerbBye || line.Control.LocalName != "bob" {
		t.Fatalf("unexpected: %+v", line.Control)
	}
}

func TestParseLineList(t *testing.T) {
	line, err := ParseLine("[$] LIST ^bob$")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if line.Control.Verb != VerbList || line.Control.ListRegex != "^bob$" {
		t.Fatalf("unexpected: %+v", line.Control)
	}
}

func TestParseLineAlive(t *testing.T) {
	line, err := ParseLine("[$] ALIVE")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if line.Control.Verb != VerbAlive {
		t.Fatalf("expected ALIVE, got %+v", line.Control)
	}
}

func TestParseLineRejectsMalformedInvite(t *testing.T) {
	if _, err := ParseLine("[$] INVITE bob"); err == nil {
		t.Fatalf("expected error for INVITE with too few args")
	}
}

func TestEmitRoundTrip(t *testing.T) {
	cm := &ControlMessage{Verb: VerbInvite, LocalName: "bob", RemoteAddr: "1.2.3.4", RemoteUDPPort: 5000, SecretPayload: "xyz"}
	emitted := Emit(cm)
	line, err := ParseLine(emitted)
	if err != nil {
		t.Fatalf("ParseLine(Emit(...)): %v", err)
	}
	if *line.Control != *cm {
		t.Fatalf("round trip mismatch: got %+v want %+v", line.Control, cm)
	}
}

func TestNormalizeUserID(t *testing.T) {
	if got := NormalizeUserID("john   smith"); got != "john-smith" {
		t.Fatalf("got %q", got)
	}
}

func TestMatchesListRegex(t *testing.T) {
	if !MatchesListRegex("", "anything") {
		t.Fatalf("expected empty pattern to match")
	}
	if !MatchesListRegex("^BOB$", "bob") {
		t.Fatalf("expected case-insensitive match")
	}
	if MatchesListRegex("^alice$", "bob") {
		t.Fatalf("expected mismatch")
	}
}
