package rooms

import (
	"fmt"
	"strings"
)

// Kind identifies the room namespace.
type Kind string

const (
	KindGeohash Kind = "geohash"
	KindProject Kind = "project"
)

// Room is a named fan-out bucket. The string form ("geohash:dr5ru",
// "project:p1") is the wire and KV format; in memory the two fields are
// kept separate.
type Room struct {
	Kind Kind
	Key  string
}

// Geohash returns the room for a geohash prefix.
func Geohash(prefix string) Room {
	return Room{Kind: KindGeohash, Key: prefix}
}

// Project returns the single-project room.
func Project(id string) Room {
	return Room{Kind: KindProject, Key: id}
}

// String renders the wire form of the room name.
func (r Room) String() string {
	return string(r.Kind) + ":" + r.Key
}

// Parse decodes a wire-form room name.
func Parse(s string) (Room, error) {
	kind, key, ok := strings.Cut(s, ":")
	if !ok || key == "" {
		return Room{}, fmt.Errorf("malformed room name %q", s)
	}
	switch Kind(kind) {
	case KindGeohash, KindProject:
		return Room{Kind: Kind(kind), Key: key}, nil
	}
	return Room{}, fmt.Errorf("unknown room namespace %q", kind)
}
