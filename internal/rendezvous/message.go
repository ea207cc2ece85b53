// Package rendezvous implements the line-oriented signaling client: a
// TCP connection to a broadcast chat server, parsing each line as either
// a human text message or a "[$] VERB args..." control message routed
// to the session controller.
package rendezvous

import (
	"fmt"
	"regexp"
	"strings"
)

// Verb is a signaling control-message verb.
type Verb string

const (
	VerbInvite Verb = "INVITE"
	VerbRing   Verb = "RING"
	VerbAccept Verb = "ACCEPT"
	VerbBye    Verb = "BYE"
	VerbIMsg   Verb = "IMSG"
	VerbList   Verb = "LIST"
	VerbAlive  Verb = "ALIVE"
)

const controlPrefix = "[$]"

// Line is one parsed line from the rendezvous server: either a control
// message (Control != nil) or a human text message (Text != "").
type Line struct {
	User    string
	Control *ControlMessage
	Text    string
}

// ControlMessage is a parsed "[$] VERB args..." line.
type ControlMessage struct {
	Verb          Verb
	LocalName     string
	RemoteAddr    string
	RemoteUDPPort int
	SecretPayload string // base64, may be empty
	ListRegex     string // LIST only
}

// ParseLine parses one raw line from the server as "[<user> :: ]<body>".
// An empty or absent user defaults to "[Anonymous]". If body begins with
// the control prefix, it is parsed as a ControlMessage; otherwise it is
// returned as human text.
func ParseLine(raw string) (*Line, error) {
	user := "[Anonymous]"
	body := raw

	if idx := strings.Index(raw, "::"); idx >= 0 {
		candidate := strings.TrimSpace(raw[:idx])
		if candidate != "" {
			user = candidate
		}
		body = strings.TrimSpace(raw[idx+2:])
	}

	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, controlPrefix) {
		return &Line{User: user, Text: body}, nil
	}

	ctrl, err := parseControl(body)
	if err != nil {
		return nil, err
	}
	return &Line{User: user, Control: ctrl}, nil
}

func parseControl(body string) (*ControlMessage, error) {
	fields := strings.Fields(strings.TrimPrefix(body, controlPrefix))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty control message")
	}

	verb := Verb(strings.ToUpper(fields[0]))
	args := fields[1:]

	switch verb {
	case VerbInvite, VerbRing, VerbAccept:
		if len(args) < 3 {
			return nil, fmt.Errorf("%s requires at least 3 arguments, got %d", verb, len(args))
		}
		port, err := parsePort(args[2])
		if err != nil {
			return nil, err
		}
		cm := &ControlMessage{Verb: verb, LocalName: args[0], RemoteAddr: args[1], RemoteUDPPort: port}
		if len(args) >= 4 {
			cm.SecretPayload = args[3]
		}
		return cm, nil

	case VerbBye:
		if len(args) < 1 {
			return nil, fmt.Errorf("BYE requires at least 1 argument")
		}
		cm := &ControlMessage{Verb: verb, LocalName: args[0]}
		if len(args) >= 2 {
			cm.RemoteAddr = args[1]
		}
		if len(args) >= 3 {
			port, err := parsePort(args[2])
			if err != nil {
				return nil, err
			}
			cm.RemoteUDPPort = port
		}
		return cm, nil

	case VerbIMsg:
		if len(args) < 2 {
			return nil, fmt.Errorf("IMSG requires 2 arguments, got %d", len(args))
		}
		return &ControlMessage{Verb: verb, LocalName: args[0], SecretPayload: args[1]}, nil

	case VerbList:
		cm := &ControlMessage{Verb: verb}
		if len(args) >= 1 {
			cm.ListRegex = args[0]
		}
		return cm, nil

	case VerbAlive:
		return &ControlMessage{Verb: verb}, nil

	default:
		return nil, fmt.Errorf("unknown verb %q", fields[0])
	}
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return port, nil
}

// Emit renders a ControlMessage back to wire form, the inverse of parseControl.
func Emit(cm *ControlMessage) string {
	switch cm.Verb {
	case VerbInvite, VerbRing, VerbAccept:
		s := fmt.Sprintf("%s %s %s %s %d", controlPrefix, cm.Verb, cm.LocalName, cm.RemoteAddr, cm.RemoteUDPPort)
		if cm.SecretPayload != "" {
			s += " " + cm.SecretPayload
		}
		return s
	case VerbBye:
		s := fmt.Sprintf("%s %s %s", controlPrefix, cm.Verb, cm.LocalName)
		if cm.RemoteAddr != "" {
			s += " " + cm.RemoteAddr
			if cm.RemoteUDPPort != 0 {
				s += fmt.Sprintf(" %d", cm.RemoteUDPPort)
			}
		}
		return s
	case VerbIMsg:
		return fmt.Sprintf("%s %s %s %s", controlPrefix, cm.Verb, cm.LocalName, cm.SecretPayload)
	case VerbList:
		if cm.ListRegex != "" {
			return fmt.Sprintf("%s %s %s", controlPrefix, cm.Verb, cm.ListRegex)
		}
		return fmt.Sprintf("%s %s", controlPrefix, cm.Verb)
	case VerbAlive:
		return fmt.Sprintf("%s %s", controlPrefix, cm.Verb)
	default:
		return ""
	}
}

// NormalizeUserID collapses whitespace runs in a user id to a single
// hyphen, the canonical form used both for this endpoint's own id and
// for comparison against an incoming LocalName/sender.
func NormalizeUserID(id string) string {
	return strings.Join(strings.Fields(id), "-")
}

// MatchesListRegex reports whether name matches pattern case-insensitively;
// an empty pattern matches everything.
func MatchesListRegex(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}
