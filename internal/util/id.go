package util

import (
	"crypto/rand"
	"encoding/hex"
	"hash/fnv"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// userColors pairs a strong cursor color with a translucent selection variant.
var userColors = [][2]string{
	{"#30bced", "#30bced33"},
	{"#6eeb83", "#6eeb8333"},
	{"#ffbc42", "#ffbc4233"},
	{"#ecd444", "#ecd44433"},
	{"#ee6352", "#ee635233"},
	{"#9ac2c9", "#9ac2c933"},
	{"#8acb88", "#8acb8833"},
	{"#1be7ff", "#1be7ff33"},
}

// ColorForName deterministically assigns a cursor color pair to a display
// name so a participant keeps the same color across reconnects.
func ColorForName(name string) (color, colorLight string) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	pair := userColors[h.Sum32()%uint32(len(userColors))]
	return pair[0], pair[1]
}
