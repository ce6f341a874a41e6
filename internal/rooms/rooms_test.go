package rooms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomString(t *testing.T) {
	assert.Equal(t, "geohash:dr5ru", Geohash("dr5ru").String())
	assert.Equal(t, "project:p1", Project("p1").String())
}

func TestParseRoundTrip(t *testing.T) {
	for _, room := range []Room{Geohash("dr5ru"), Project("p1")} {
		parsed, err := Parse(room.String())
		require.NoError(t, err)
		assert.Equal(t, room, parsed)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "geohash", "geohash:", "stream:abc"} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
}

func TestParseKeepsColonsInKey(t *testing.T) {
	parsed, err := Parse("project:a:b")
	require.NoError(t, err)
	assert.Equal(t, "a:b", parsed.Key)
}
