package thread

import "strings"

// NormalizeSubject strips reply/forward prefixes and collapses
// whitespace so the UI can group a conversation under one display
// subject. It never affects conversation membership, which is driven
// by header references alone.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		var trimmed bool
		for _, prefix := range []string{"re:", "fw:", "fwd:", "aw:"} {
			if strings.HasPrefix(lower, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				trimmed = true
				break
			}
		}
		// Mailing-list style "[tag]" prefixes stay; only reply chains
		// are folded.
		if !trimmed {
			break
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
