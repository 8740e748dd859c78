package model

import "testing"

func TestClassifyMailbox(t *testing.T) {
	cases := map[string]MailboxRole{
		"INBOX":        RoleInbox,
		"inbox":        RoleInbox,
		"Sent Items":   RoleSent,
		"[Gmail]/Sent": RoleSent,
		"Drafts":       RoleDrafts,
		"Trash":        RoleTrash,
		"Deleted":      RoleTrash,
		"Junk":         RoleSpam,
		"Spam":         RoleSpam,
		"Archive":      RoleArchive,
		"Receipts":     RoleCustom,
	}

	for name, want := range cases {
		if got := ClassifyMailbox(name); got != want {
			t.Errorf("ClassifyMailbox(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestCursorZero(t *testing.T) {
	if !(Cursor{}).Zero() {
		t.Error("empty cursor should be zero")
	}
	if (Cursor{Token: "tok"}).Zero() {
		t.Error("cursor with token is not zero")
	}
	if (Cursor{Position: 3}).Zero() {
		t.Error("cursor with position is not zero")
	}
}
