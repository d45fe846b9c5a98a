package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutOpenDelete(t *testing.T) {
	s := NewStore()
	code := []byte("recovery-code-1234")
	id := s.Put(code)

	// The caller's copy is wiped once sealed.
	assert.Equal(t, make([]byte, len(code)), code)

	buf, err := s.Open(id)
	require.NoError(t, err)
	assert.Equal(t, "recovery-code-1234", string(buf.Bytes()))
	buf.Destroy()

	s.Delete(id)
	s.Delete(id)
	assert.Equal(t, 0, s.Len())

	_, err = s.Open(id)
	assert.ErrorIs(t, err, ErrNotFound)
}
