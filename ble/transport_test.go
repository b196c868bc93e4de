package ble

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	disconnects int
	err         error
}

func (d *fakeDevice) Disconnect() error {
	d.disconnects++
	return d.err
}

type fakeTX struct {
	mu     sync.Mutex
	writes [][]byte
	limit  int
	err    error
}

func (w *fakeTX) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return 0, w.err
	}

	n := len(p)
	if w.limit >= 0 && n > w.limit {
		n = w.limit
	}

	w.writes = append(w.writes, append([]byte(nil), p[:n]...))
	return n, nil
}

func TestTransport_NotificationsArePollable(t *testing.T) {
	tr := newTransport(&fakeDevice{}, &fakeTX{limit: -1}, 20)
	in, err := tr.Inbound()
	require.NoError(t, err)

	tr.notify([]byte("OK+CONN"))
	tr.notify([]byte("\r\n"))

	n, err := in.Available()
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	buf := make([]byte, n)
	n, err = in.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "OK+CONN\r\n", string(buf[:n]))
}

func TestTransport_WriteSplitsByMTU(t *testing.T) {
	tx := &fakeTX{limit: -1}
	tr := newTransport(&fakeDevice{}, tx, 4)
	out, err := tr.Outbound()
	require.NoError(t, err)

	n, err := out.Write([]byte("AT+NAMEboard"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, [][]byte{[]byte("AT+N"), []byte("AMEb"), []byte("oard")}, tx.writes)
}

func TestTransport_WriteErrors(t *testing.T) {
	t.Run("characteristic error", func(t *testing.T) {
		tr := newTransport(&fakeDevice{}, &fakeTX{err: assert.AnError}, 20)

		n, err := tr.out.Write([]byte("x"))
		assert.Zero(t, n)
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("no progress", func(t *testing.T) {
		tr := newTransport(&fakeDevice{}, &fakeTX{limit: 0}, 20)

		_, err := tr.out.Write([]byte("x"))
		assert.ErrorIs(t, err, io.ErrShortWrite)
	})

	t.Run("after close", func(t *testing.T) {
		tr := newTransport(&fakeDevice{}, &fakeTX{limit: -1}, 20)
		require.NoError(t, tr.out.Close())

		_, err := tr.out.Write([]byte("x"))
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	})
}

func TestTransport_Close(t *testing.T) {
	dev := &fakeDevice{err: assert.AnError}
	tr := newTransport(dev, &fakeTX{limit: -1}, 20)
	in, _ := tr.Inbound()

	assert.ErrorIs(t, tr.Close(), assert.AnError)
	assert.ErrorIs(t, tr.Close(), assert.AnError)
	assert.Equal(t, 1, dev.disconnects)

	_, err := in.Available()
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
