package protocol

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func nameGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-zA-Z0-9_]{1,12}`)
}

func textGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-zA-Z0-9 ,.?:]{1,40}`)
}

// TestParseInboundNeverPanics checks that arbitrary input always yields a
// known kind.
func TestParseInboundNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.String().Draw(t, "raw")
		in := ParseInbound(raw)
		if in.Kind < KindEmpty || in.Kind > KindMalformed {
			t.Fatalf("unexpected kind %d for %q", in.Kind, raw)
		}
	})
}

// TestDirectRequestRoundTrip checks that a direct message built by the client
// is always routed as a direct message with the same fields.
func TestDirectRequestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := textGen().Draw(t, "text")
		target := nameGen().Draw(t, "target")
		if strings.TrimSpace(text) == "" {
			return
		}

		in := ParseInbound(DirectRequest(text, target))
		if in.Kind != KindDirectMessage {
			t.Fatalf("kind = %s, want direct_message", in.Kind)
		}
		if in.Text != strings.TrimSpace(text) || in.Target != target {
			t.Fatalf("got (%q, %q), want (%q, %q)", in.Text, in.Target, text, target)
		}
	})
}

// TestGroupMessagePushRoundTrip checks that any group text the server
// accepts is decoded by receivers as a two-field group push.
func TestGroupMessagePushRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sender := nameGen().Draw(t, "sender")
		raw := textGen().Draw(t, "text")

		in := ParseInbound(raw)
		if in.Kind != KindGroupMessage {
			return
		}
		p := ParsePush(GroupPush(sender, in.Text))
		if p.Kind != PushGroupMessage {
			t.Fatalf("push kind = %s, want group_message", p.Kind)
		}
		if p.Sender != sender || p.Text != in.Text {
			t.Fatalf("got (%q, %q), want (%q, %q)", p.Sender, p.Text, sender, in.Text)
		}
	})
}

// TestMemberListRoundTrip checks create and add requests carry their member
// lists intact.
func TestMemberListRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		members := rapid.SliceOfN(nameGen(), 0, 8).Draw(t, "members")

		created := ParseInbound(CreateGroupRequest(members))
		if created.Kind != KindCreateGroup || created.PayloadErr != nil {
			t.Fatalf("create: kind=%s err=%v", created.Kind, created.PayloadErr)
		}
		added := ParseInbound(AddMembersRequest(members))
		if added.Kind != KindAddMembers || added.PayloadErr != nil {
			t.Fatalf("add: kind=%s err=%v", added.Kind, added.PayloadErr)
		}
		if len(created.Members) != len(members) || len(added.Members) != len(members) {
			t.Fatalf("member count mismatch: %d/%d want %d", len(created.Members), len(added.Members), len(members))
		}
		for i := range members {
			if created.Members[i] != members[i] || added.Members[i] != members[i] {
				t.Fatalf("member %d mismatch", i)
			}
		}
	})
}

// TestUserListReplyRoundTrip checks that receivers recover every name.
func TestUserListReplyRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfN(nameGen(), 0, 10).Draw(t, "names")
		p := ParsePush(UserListReply(names))
		if p.Kind != PushUserList {
			t.Fatalf("kind = %s, want user_list", p.Kind)
		}
		if len(p.Names) != len(names) {
			t.Fatalf("got %d names, want %d", len(p.Names), len(names))
		}
	})
}

// TestRoleNotificationRoundTrip checks admin and group id survive encoding.
func TestRoleNotificationRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		admin := nameGen().Draw(t, "admin")
		gid := rapid.Int64Range(1, 1<<40).Draw(t, "gid")
		p := ParsePush(RoleNotification(admin, gid))
		if p.Kind != PushRole || p.Admin != admin || p.GroupID != gid {
			t.Fatalf("got %+v", p)
		}
	})
}
