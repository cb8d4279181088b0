package protocol

import (
	"strconv"
	"strings"
)

// PushKind identifies a server-to-client frame after authentication.
type PushKind int

const (
	PushText PushKind = iota
	PushGroupMessage
	PushUserList
	PushHistory
	PushRole
	PushUnknown
)

func (k PushKind) String() string {
	switch k {
	case PushText:
		return "text"
	case PushGroupMessage:
		return "group_message"
	case PushUserList:
		return "user_list"
	case PushHistory:
		return "history"
	case PushRole:
		return "role"
	default:
		return "unknown"
	}
}

// Push is a decoded server frame, classified the way receivers must: by
// field count alone.
type Push struct {
	Kind PushKind
	Raw  string

	// Sender and Text are set for direct deliveries of the form
	// "sender:text" and for group messages.
	Sender string
	Text   string

	// Names holds the user list or the history lines.
	Names []string

	// Admin and GroupID are set for role notifications.
	Admin   string
	GroupID int64
}

// ParsePush decodes a server frame:
//
//	1 field   plain text (direct delivery, banner)
//	2 fields  group message push
//	3 fields  user list reply
//	4 fields  group history reply
//	5 fields  role notification
func ParsePush(raw string) Push {
	parts := strings.Split(raw, Delimiter)
	p := Push{Raw: raw}

	switch len(parts) {
	case 1:
		p.Kind = PushText
		p.Sender, p.Text = splitSender(strings.TrimSuffix(raw, "\n"))
	case 2:
		p.Kind = PushGroupMessage
		p.Sender, p.Text = splitSender(parts[0])
	case 3:
		p.Kind = PushUserList
		p.Names, _ = DecodeNameList(parts[0])
	case 4:
		p.Kind = PushHistory
		p.Names, _ = DecodeNameList(parts[0])
		if p.Names == nil {
			p.Names = []string{}
		}
	case 5:
		p.Kind = PushRole
		p.Admin = parts[1]
		if id, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
			p.GroupID = id
		}
	default:
		p.Kind = PushUnknown
	}
	return p
}

func splitSender(s string) (string, string) {
	sender, text, ok := strings.Cut(s, ":")
	if !ok {
		return "", s
	}
	return sender, text
}
