package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/crdt"
)

func TestDecode(t *testing.T) {
	b, err := Encode(Join("doc-1", "alice", crdt.StateVector{"bob": 2}))
	require.NoError(t, err)
	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, TypeJoin, m.Type)
	assert.Equal(t, crdt.StateVector{"bob": 2}, m.StateVector)

	b, err = Encode(Update("doc-1", "alice", []byte(`{"id":"alice:1"}`)))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"payload":"eyJpZCI6ImFsaWNlOjEifQ=="`)
}

func TestDecode_Rejects(t *testing.T) {
	cases := []string{
		`not json`,
		`{"docId":"d"}`,
		`{"type":"join","docId":"d"}`,
		`{"type":"update","docId":"d"}`,
		`{"type":"state"}`,
	}
	for _, c := range cases {
		_, err := Decode([]byte(c))
		assert.ErrorIs(t, err, ErrMalformedMessage, c)
	}

	// 未知类型交给分发层回复 UNKNOWN_TYPE
	m, err := Decode([]byte(`{"type":"cursor"}`))
	require.NoError(t, err)
	assert.Equal(t, Type("cursor"), m.Type)
}
