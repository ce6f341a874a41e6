package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkbeat/pkg/models"
)

func TestDecodeObjectForm(t *testing.T) {
	env, err := Decode([]byte(`{"event":"subscribe","data":{"geohash":"dr5ru","shouldSubscribe":true}}`))
	require.NoError(t, err)
	assert.Equal(t, Subscribe, env.Event)

	var payload SubscribePayload
	require.NoError(t, env.DecodeInto(&payload))
	assert.Equal(t, "dr5ru", payload.Geohash)
	assert.True(t, payload.ShouldSubscribe)
}

func TestDecodeArrayForm(t *testing.T) {
	env, err := Decode([]byte(`["subscribe",{"geohash":"dr5ru","shouldSubscribe":false}]`))
	require.NoError(t, err)
	assert.Equal(t, Subscribe, env.Event)

	var payload SubscribePayload
	require.NoError(t, env.DecodeInto(&payload))
	assert.False(t, payload.ShouldSubscribe)
}

func TestDecodeArrayFormWithoutPayload(t *testing.T) {
	env, err := Decode([]byte(`["ping",null]`))
	require.NoError(t, err)
	assert.Equal(t, Ping, env.Event)
	assert.Empty(t, env.Data)
}

func TestDecodeLeadingWhitespace(t *testing.T) {
	env, err := Decode([]byte("  \n\t{\"event\":\"ping\"}"))
	require.NoError(t, err)
	assert.Equal(t, Ping, env.Event)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `ping`,
		"truncated":         `{"event":"ping"`,
		"missing event":     `{"data":{}}`,
		"empty array":       `[]`,
		"one-element array": `["ping"]`,
		"oversized array":   `["a",{},{}]`,
		"non-string kind":   `[42,{}]`,
		"bare number":       `17`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			assert.Error(t, err)
		})
	}
}

func TestKnownC2S(t *testing.T) {
	for _, kind := range []Kind{Ping, Subscribe, SubscribeProject, SetProject, DeleteProject, AddContribution, ValidateImage} {
		assert.True(t, KnownC2S(kind), string(kind))
	}
	assert.False(t, KnownC2S(Pong))
	assert.False(t, KnownC2S(Heartbeat))
	assert.False(t, KnownC2S(Kind("madeUp")))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := New(Heartbeat, HeartbeatPayload{Room: "geohash:dr5ru", LastPingTime: 1700000000000})
	require.NoError(t, err)

	frame, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, Heartbeat, decoded.Event)

	var payload HeartbeatPayload
	require.NoError(t, decoded.DecodeInto(&payload))
	assert.Equal(t, "geohash:dr5ru", payload.Room)
	assert.EqualValues(t, 1700000000000, payload.LastPingTime)
}

func TestSnapshotTupleWireForm(t *testing.T) {
	tuple := SnapshotTuple{
		Geohash: "dr5ru",
		Projects: []models.ProjectSnapshot{
			{Project: models.Project{ID: "p1", Name: "Garden", Geohash: "dr5regw3p"}},
		},
		Groups: []models.Cluster{{Geohash: "dr5regw", Count: 6, Lat: 40.7, Lng: -74.0}},
	}

	encoded, err := json.Marshal(tuple)
	require.NoError(t, err)

	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(encoded, &parts))
	require.Len(t, parts, 3)
	assert.JSONEq(t, `{"geohash":"dr5ru"}`, string(parts[0]))

	var decoded SnapshotTuple
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, "dr5ru", decoded.Geohash)
	require.Len(t, decoded.Projects, 1)
	assert.Equal(t, "p1", decoded.Projects[0].Project.ID)
	require.Len(t, decoded.Groups, 1)
	assert.Equal(t, 6, decoded.Groups[0].Count)
}

func TestSnapshotTupleEmptySlicesNotNull(t *testing.T) {
	encoded, err := json.Marshal(SnapshotTuple{Geohash: "d"})
	require.NoError(t, err)

	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(encoded, &parts))
	assert.Equal(t, "[]", string(parts[1]))
	assert.Equal(t, "[]", string(parts[2]))
}

func TestSnapshotTupleRejectsWrongArity(t *testing.T) {
	var decoded SnapshotTuple
	assert.Error(t, json.Unmarshal([]byte(`[{"geohash":"d"},[]]`), &decoded))
}

func TestDecodeIntoRequiresPayload(t *testing.T) {
	env := Envelope{Event: Subscribe}
	var payload SubscribePayload
	assert.Error(t, env.DecodeInto(&payload))
}
