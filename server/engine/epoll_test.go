package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipePair(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestEpollerReadiness(t *testing.T) {
	ep, err := NewEpoller(16)
	require.NoError(t, err)
	defer ep.Close()

	r, w := pipePair(t)
	require.NoError(t, ep.Add(r, unix.EPOLLIN))

	n, err := ep.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing ready before the write")

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	n, err = ep.Wait(1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, r, ep.EventFd(0))
	assert.NotZero(t, ep.Events(0)&unix.EPOLLIN)
}

// A one-shot registration delivers once and stays disarmed until Mod.
func TestEpollerOneShotRearm(t *testing.T) {
	ep, err := NewEpoller(16)
	require.NoError(t, err)
	defer ep.Close()

	r, w := pipePair(t)
	require.NoError(t, ep.Add(r, unix.EPOLLIN|unix.EPOLLONESHOT))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	n, err := ep.Wait(1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = ep.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "one-shot must disarm after delivery")

	require.NoError(t, ep.Mod(r, unix.EPOLLIN|unix.EPOLLONESHOT))
	n, err = ep.Wait(1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "Mod must re-arm the interest")
}

func TestEpollerDel(t *testing.T) {
	ep, err := NewEpoller(16)
	require.NoError(t, err)
	defer ep.Close()

	r, w := pipePair(t)
	require.NoError(t, ep.Add(r, unix.EPOLLIN))
	require.NoError(t, ep.Del(r))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	n, err := ep.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
