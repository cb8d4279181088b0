// Package protocol implements the huddle text wire protocol.
//
// Frames carry no length prefix and no type tag. One read on the transport
// is one frame, fields are separated by Delimiter, and the frame type is
// recovered from the field count and a few trailing literal markers. All
// shape checks live here so the server and client never split frames by hand.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Wire literals.
const (
	Delimiter = "/"

	RenameMarker     = "!changerlenom"
	CreateGroupMark  = "@addgroup"
	AddMembersMarker = "@addgroup@new"

	ListRequestLiteral    = "list/new/list"
	HistoryRequestLiteral = "Historique"
)

// ErrMalformedPayload indicates a structured-list payload that is not a JSON
// array of names.
var ErrMalformedPayload = errors.New("malformed list payload")

// Kind identifies the action an inbound frame asks for.
type Kind int

const (
	KindEmpty Kind = iota
	KindRename
	KindCreateGroup
	KindAddMembers
	KindListRequest
	KindHistoryRequest
	KindDirectMessage
	KindGroupMessage
	KindMalformed
)

var kindNames = [...]string{
	KindEmpty:          "empty",
	KindRename:         "rename",
	KindCreateGroup:    "create_group",
	KindAddMembers:     "add_members",
	KindListRequest:    "list_request",
	KindHistoryRequest: "history_request",
	KindDirectMessage:  "direct_message",
	KindGroupMessage:   "group_message",
	KindMalformed:      "malformed",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Inbound is one decoded frame from an authenticated connection.
type Inbound struct {
	Kind Kind

	// NewName is set for KindRename.
	NewName string

	// Members is set for KindCreateGroup and KindAddMembers. PayloadErr is
	// non-nil when the list failed to decode, in which case Members is nil.
	Members    []string
	PayloadErr error

	// Text is the message body for direct and group messages.
	Text string
	// Target is the recipient identity of a direct message.
	Target string
}

// ParseInbound classifies a frame. Shapes are tried in a fixed order and the
// first match wins:
//
//  1. rename          newName!changerlenom
//  2. create group    <list>@addgroup
//  3. add members     <list>@addgroup@new
//  4. list request    list/new/list
//  5. history request Historique
//  6. direct message  text/target
//  7. group message   anything else
//
// A frame that contains the delimiter but is not a two-field direct message
// is KindMalformed: relaying it as group text would produce pushes that
// receivers mistake for list or history replies.
func ParseInbound(raw string) Inbound {
	raw = strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(raw) == "" {
		return Inbound{Kind: KindEmpty}
	}

	if strings.HasSuffix(raw, RenameMarker) {
		name := strings.TrimSpace(strings.TrimSuffix(raw, RenameMarker))
		if name == "" || strings.Contains(name, Delimiter) {
			return Inbound{Kind: KindMalformed}
		}
		return Inbound{Kind: KindRename, NewName: name}
	}

	// The add-members marker does not end with the create marker, so the
	// suffix checks cannot shadow each other.
	if strings.HasSuffix(raw, CreateGroupMark) {
		members, err := DecodeNameList(strings.TrimSuffix(raw, CreateGroupMark))
		return Inbound{Kind: KindCreateGroup, Members: members, PayloadErr: err}
	}
	if strings.HasSuffix(raw, AddMembersMarker) {
		members, err := DecodeNameList(strings.TrimSuffix(raw, AddMembersMarker))
		return Inbound{Kind: KindAddMembers, Members: members, PayloadErr: err}
	}

	switch raw {
	case ListRequestLiteral:
		return Inbound{Kind: KindListRequest}
	case HistoryRequestLiteral:
		return Inbound{Kind: KindHistoryRequest}
	}

	if strings.Contains(raw, Delimiter) {
		parts := strings.Split(raw, Delimiter)
		if len(parts) != 2 {
			return Inbound{Kind: KindMalformed}
		}
		text := strings.TrimSpace(parts[0])
		target := strings.TrimSpace(parts[1])
		if text == "" || target == "" {
			return Inbound{Kind: KindMalformed}
		}
		return Inbound{Kind: KindDirectMessage, Text: text, Target: target}
	}

	return Inbound{Kind: KindGroupMessage, Text: strings.TrimSpace(raw)}
}

// DecodeNameList decodes a structured-list payload. Both a flat array
// (["a","b"]) and the nested form used in replies ([["a"],["b"]]) are
// accepted. Blank names are dropped.
func DecodeNameList(payload string) ([]string, error) {
	payload = strings.TrimSpace(payload)

	var flat []string
	if err := json.Unmarshal([]byte(payload), &flat); err == nil {
		return compactNames(flat), nil
	}

	var nested [][]string
	if err := json.Unmarshal([]byte(payload), &nested); err == nil {
		names := make([]string, 0, len(nested))
		for _, row := range nested {
			names = append(names, row...)
		}
		return compactNames(names), nil
	}

	return nil, ErrMalformedPayload
}

func compactNames(in []string) []string {
	out := make([]string, 0, len(in))
	for _, n := range in {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// AuthKind identifies the first frame on a new connection.
type AuthKind int

const (
	AuthInvalid AuthKind = iota
	AuthSignIn
	AuthSignUp
)

func (k AuthKind) String() string {
	switch k {
	case AuthSignIn:
		return "sign_in"
	case AuthSignUp:
		return "sign_up"
	default:
		return "invalid"
	}
}

// AuthRequest is the decoded first frame.
type AuthRequest struct {
	Kind     AuthKind
	Name     string
	Password string
	Email    string
	Confirm  string
}

// ParseAuth decodes the first frame: four fields are a sign-up, two fields a
// sign-in, anything else is invalid.
func ParseAuth(raw string) AuthRequest {
	raw = strings.TrimRight(raw, "\r\n")
	parts := strings.Split(raw, Delimiter)

	switch len(parts) {
	case 4:
		if parts[0] == "" {
			return AuthRequest{Kind: AuthInvalid}
		}
		return AuthRequest{
			Kind:     AuthSignUp,
			Name:     parts[0],
			Password: parts[1],
			Email:    parts[2],
			Confirm:  parts[3],
		}
	case 2:
		if parts[0] == "" {
			return AuthRequest{Kind: AuthInvalid}
		}
		return AuthRequest{Kind: AuthSignIn, Name: parts[0], Password: parts[1]}
	default:
		return AuthRequest{Kind: AuthInvalid}
	}
}
