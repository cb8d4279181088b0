package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Reply and push literals.
const (
	Banner = "You are connected!\n"

	userListSuffix = "/new/list"
	historySuffix  = "/group/historique/tout"
	groupSuffix    = "/group"
	rolePrefix     = "GROUP"
	roleSuffix     = "/ok/ok"
)

// NameListReply is the reply to both auth shapes: a leading space followed by
// "/name" for every account.
func NameListReply(names []string) string {
	var b strings.Builder
	b.WriteByte(' ')
	for _, n := range names {
		b.WriteString(Delimiter)
		b.WriteString(n)
	}
	return b.String()
}

// UserListReply formats the reply to a list request: [[n1],[n2]]/new/list.
func UserListReply(names []string) string {
	return encodeRows(names) + userListSuffix
}

// HistoryReply formats group history lines ("sender: text") as
// [["l1"],["l2"]]/group/historique/tout. A nil slice encodes as [].
func HistoryReply(lines []string) string {
	return encodeRows(lines) + historySuffix
}

// HistoryLine renders one stored group message the way history replies
// carry it.
func HistoryLine(sender, text string) string {
	return sender + ": " + text
}

// DirectDelivery is the push a recipient gets for a direct message.
func DirectDelivery(sender, text string) string {
	return sender + ":" + text + "\n"
}

// GroupPush is the push every live member gets for a group message.
func GroupPush(sender, text string) string {
	return sender + ":" + text + groupSuffix
}

// RoleNotification tells members who administers a group. A receiver whose
// name equals admin renders itself as the admin.
func RoleNotification(admin string, groupID int64) string {
	return rolePrefix + Delimiter + admin + Delimiter + strconv.FormatInt(groupID, 10) + roleSuffix
}

// RenameNotice is the informational group message posted after a rename.
func RenameNotice(oldName, newName string) string {
	return "*" + oldName + " → " + newName + "*"
}

// CreatedNotice is the informational group message posted on creation.
func CreatedNotice() string {
	return "group created"
}

// AddedNotice is the informational group message naming new members.
func AddedNotice(added []string) string {
	return strings.Join(added, ", ") + " were added"
}

// encodeRows wraps every value in its own single-element array. HTML escaping
// is disabled so names and text keep their literal characters.
func encodeRows(values []string) string {
	rows := make([][]string, 0, len(values))
	for _, v := range values {
		rows = append(rows, []string{v})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rows); err != nil {
		return "[]"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Client request builders.

func SignInRequest(name, password string) string {
	return name + Delimiter + password
}

func SignUpRequest(name, password, email, confirm string) string {
	return strings.Join([]string{name, password, email, confirm}, Delimiter)
}

func DirectRequest(text, target string) string {
	return text + Delimiter + target
}

func RenameRequest(newName string) string {
	return newName + RenameMarker
}

func CreateGroupRequest(members []string) string {
	return encodeFlat(members) + CreateGroupMark
}

func AddMembersRequest(members []string) string {
	return encodeFlat(members) + AddMembersMarker
}

func encodeFlat(values []string) string {
	if values == nil {
		values = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(values); err != nil {
		return "[]"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
