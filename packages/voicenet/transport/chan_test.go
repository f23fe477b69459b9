package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanRoundTrip(t *testing.T) {
	net := NewChanNetwork()
	a := net.CreateTransport("a")
	defer a.Close()
	b := net.CreateTransport("b")
	defer b.Close()

	require.NoError(t, a.WriteTo([]byte("hello"), "b"))

	data, from, err := b.ReadFrom()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, "a", from)
	assert.Equal(t, "b", b.LocalAddr())
}

func TestChanUnknownDestinationIsLost(t *testing.T) {
	net := NewChanNetwork()
	a := net.CreateTransport("a")
	defer a.Close()

	// writing into the void must not error, datagrams are fire-and-forget
	assert.NoError(t, a.WriteTo([]byte("hello"), "nowhere"))
}

func TestChanClose(t *testing.T) {
	net := NewChanNetwork()
	a := net.CreateTransport("a")
	b := net.CreateTransport("b")
	defer b.Close()

	a.Close()
	a.Close() // idempotent

	_, _, err := a.ReadFrom()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.WriteTo([]byte("x"), "b"), ErrClosed)

	// closed endpoints no longer receive
	require.NoError(t, b.WriteTo([]byte("x"), "a"))
}
