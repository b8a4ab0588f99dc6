package network

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func topology(sender string, seq int64, msgType, target string) Message {
	data, _ := json.Marshal(target)
	return Message{Sender: sender, Sequence: seq, Type: msgType, Data: data}
}

func ordered(a, b string) Edge {
	if a > b {
		a, b = b, a
	}
	return Edge{A: a, B: b}
}

func TestNetworkMapRequiresBothSides(t *testing.T) {
	a, b := uuid.NewString(), uuid.NewString()
	m := NewNetworkMap()

	m.HandleEvents(topology(a, 0, TypeConnect, b))
	assert.Empty(t, m.Edges())
	assert.Empty(t, m.Adjacency())

	m.HandleEvents(topology(b, 0, TypeConnect, a))
	assert.Equal(t, []Edge{ordered(a, b)}, m.Edges())
	assert.Equal(t, map[string][]string{a: {b}, b: {a}}, m.Adjacency())
	assert.Equal(t, 2, m.Nodes())

	// One side withdrawing is enough to drop the edge.
	m.HandleEvents(topology(b, 1, TypeDisconnect, a))
	assert.Empty(t, m.Edges())
}

func TestNetworkMapNewestWins(t *testing.T) {
	a, b := uuid.NewString(), uuid.NewString()
	m := NewNetworkMap()

	m.HandleEvents(
		topology(b, 0, TypeConnect, a),
		topology(a, 5, TypeDisconnect, b),
		topology(a, 3, TypeConnect, b),
	)
	assert.Empty(t, m.Edges())

	// Equal sequences do not overwrite either.
	m.HandleEvents(topology(a, 5, TypeConnect, b))
	assert.Empty(t, m.Edges())

	m.HandleEvents(topology(a, 6, TypeConnect, b))
	assert.Equal(t, []Edge{ordered(a, b)}, m.Edges())
}

func TestNetworkMapRejectsInvalid(t *testing.T) {
	a, b := uuid.NewString(), uuid.NewString()
	m := NewNetworkMap()

	m.HandleEvents(
		topology("not-an-id", 0, TypeConnect, b),
		topology(a, -1, TypeConnect, b),
		topology(a, 0, "chat", b),
		topology(a, 0, TypeConnect, "not-an-id"),
		Message{Sender: a, Sequence: 0, Type: TypeConnect, Data: json.RawMessage(`42`)},
	)

	assert.Equal(t, uint64(5), m.Rejected())
	assert.Empty(t, m.NewestEvents())
}

func TestNetworkMapNewestEvents(t *testing.T) {
	a, b, c := uuid.NewString(), uuid.NewString(), uuid.NewString()
	m := NewNetworkMap()

	m.HandleEvents(
		topology(a, 0, TypeConnect, b),
		topology(a, 1, TypeConnect, c),
		topology(a, 2, TypeDisconnect, b),
		topology(c, 0, TypeConnect, a),
	)

	events := m.NewestEvents()
	assert.Len(t, events, 3)

	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		assert.True(t, prev.Sender < cur.Sender || (prev.Sender == cur.Sender && string(prev.Data) < string(cur.Data)))
	}

	// Replaying a snapshot into an empty map yields the same graph.
	replica := NewNetworkMap()
	replica.HandleEvents(events...)
	assert.Equal(t, m.Edges(), replica.Edges())
	assert.Equal(t, []Edge{ordered(a, c)}, replica.Edges())
}

func TestNetworkMapChain(t *testing.T) {
	a, b, c := uuid.NewString(), uuid.NewString(), uuid.NewString()
	m := NewNetworkMap()

	m.HandleEvents(
		topology(a, 0, TypeConnect, b),
		topology(b, 0, TypeConnect, a),
		topology(b, 1, TypeConnect, c),
		topology(c, 0, TypeConnect, b),
	)

	assert.ElementsMatch(t, []Edge{ordered(a, b), ordered(b, c)}, m.Edges())
	assert.Len(t, m.Adjacency()[b], 2)
}

func TestNetworkMapHandleRawKeepsValidElements(t *testing.T) {
	x, y := uuid.NewString(), uuid.NewString()
	m := NewNetworkMap()

	good, err := json.Marshal([]Message{
		topology(x, 0, TypeConnect, y),
		topology(y, 0, TypeConnect, x),
	})
	assert.NoError(t, err)

	// Splice an element whose sequence has the wrong type between the two.
	payload := string(good[:len(good)-1]) + `,{"sender":"` + x + `","sequence":"oops","type":"connect","data":"` + y + `"}]`

	assert.True(t, m.HandleRaw(json.RawMessage(payload)))
	assert.Equal(t, []Edge{ordered(x, y)}, m.Edges())
	assert.Equal(t, uint64(1), m.Rejected())
}

func TestNetworkMapHandleRawRejectsNonArray(t *testing.T) {
	m := NewNetworkMap()

	for _, bad := range []string{`{}`, `"connect"`, `not json`} {
		assert.False(t, m.HandleRaw(json.RawMessage(bad)), bad)
	}
	assert.Equal(t, uint64(3), m.Rejected())
	assert.Empty(t, m.Edges())

	assert.True(t, m.HandleRaw(json.RawMessage(`[]`)))
	assert.Equal(t, uint64(3), m.Rejected())
}
