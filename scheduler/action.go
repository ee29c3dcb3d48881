package scheduler

import (
	"regexp"
	"strings"

	"github.com/onnwee/danmaku-relay/apperrors"
)

// ActionKind enumerates the scheduled actions a chat may run.
type ActionKind int

const (
	ActionSendText ActionKind = iota + 1
	ActionSetPattern
	ActionSetHideUsername
	ActionReconnectRoom
)

var actionNames = map[ActionKind]string{
	ActionSendText:        "send_text",
	ActionSetPattern:      "set_pattern",
	ActionSetHideUsername: "set_hide_username",
	ActionReconnectRoom:   "reconnect_room",
}

func (k ActionKind) String() string {
	if n, ok := actionNames[k]; ok {
		return n
	}
	return "unknown"
}

// Action is a parsed scheduled action. Only the field matching Kind is meaningful.
type Action struct {
	Kind    ActionKind
	Text    string
	Pattern string
	Hide    bool
}

// ParseAction parses "<name> [args]" into an Action.
func ParseAction(s string) (Action, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(s), " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "send_text":
		if arg == "" {
			return Action{}, apperrors.Validation("send_text needs the text to send")
		}
		return Action{Kind: ActionSendText, Text: arg}, nil
	case "set_pattern":
		if arg == "" {
			return Action{}, apperrors.Validation("set_pattern needs a regular expression")
		}
		if _, err := regexp.Compile(arg); err != nil {
			return Action{}, apperrors.Validation("invalid regular expression: %v", err)
		}
		return Action{Kind: ActionSetPattern, Pattern: arg}, nil
	case "set_hide_username":
		switch arg {
		case "on", "true":
			return Action{Kind: ActionSetHideUsername, Hide: true}, nil
		case "off", "false":
			return Action{Kind: ActionSetHideUsername, Hide: false}, nil
		}
		return Action{}, apperrors.Validation("set_hide_username takes on or off")
	case "reconnect_room":
		if arg != "" {
			return Action{}, apperrors.Validation("reconnect_room takes no arguments")
		}
		return Action{Kind: ActionReconnectRoom}, nil
	case "":
		return Action{}, apperrors.Validation("empty action")
	}
	return Action{}, apperrors.Validation("unknown action %q", name)
}

func (a Action) String() string {
	switch a.Kind {
	case ActionSendText:
		return "send_text " + a.Text
	case ActionSetPattern:
		return "set_pattern " + a.Pattern
	case ActionSetHideUsername:
		if a.Hide {
			return "set_hide_username on"
		}
		return "set_hide_username off"
	case ActionReconnectRoom:
		return "reconnect_room"
	}
	return "unknown"
}
