package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/econn/internal/econn"
)

func newTestConn(t *testing.T) *econn.Connection {
	t.Helper()
	conn, err := econn.New("alice", "phone", econn.DefaultConfig(), noopTransport{}, econn.NewScheduler(), nil)
	require.NoError(t, err)
	return conn
}

type noopTransport struct{}

func (noopTransport) Send(msg *econn.Message) error { return nil }

func TestPutGetRemove(t *testing.T) {
	r := New()
	key := Key{UserID: "alice", ClientID: "phone"}

	_, ok := r.Get(key)
	assert.False(t, ok)

	conn := newTestConn(t)
	r.Put(key, conn)

	got, ok := r.Get(key)
	assert.True(t, ok)
	assert.Same(t, conn, got)
	assert.Equal(t, 1, r.Len())

	r.Remove(key)
	_, ok = r.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestPutOverwritesSameKey(t *testing.T) {
	r := New()
	key := Key{UserID: "alice", ClientID: "phone"}

	r.Put(key, newTestConn(t))
	second := newTestConn(t)
	r.Put(key, second)

	got, ok := r.Get(key)
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}
