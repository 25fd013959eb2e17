package replica

import "strings"

// RoomKey builds the sync room identifier for a page.
func RoomKey(prefix, pageID string) string {
	return prefix + ":" + pageID
}

// PageIDFromRoomKey reverses RoomKey. ok is false when the key does not
// carry the expected prefix.
func PageIDFromRoomKey(prefix, key string) (string, bool) {
	rest, found := strings.CutPrefix(key, prefix+":")
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}
