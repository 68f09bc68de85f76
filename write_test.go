package gridftp

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteVector(t *testing.T) {
	h, s := openTestHandle(t, -1)

	op := newTestOp()
	require.NoError(t, h.Write([][]byte{[]byte("ab"), []byte("cde")}, op))

	require.Len(t, s.starts, 1)
	assert.Equal(t, "put", s.starts[0].call)
	require.Len(t, s.writes, 2)
	assert.Equal(t, int64(0), s.writes[0].offset)
	assert.Equal(t, int64(2), s.writes[1].offset)
	assert.False(t, s.writes[0].eof)
	assert.False(t, s.writes[1].eof)

	st := h.Stats()
	assert.Equal(t, StateIOPending, st.State)
	assert.Equal(t, 1, st.Outstanding, "a vectored write is one outstanding operation")
	assert.Equal(t, int64(5), st.Offset)
	assert.Equal(t, int64(0), st.Size, "a whole put replaces the object")

	s.deliverWrite(0, nil)
	assert.Zero(t, op.finished, "only the last sub-write finishes the operation")

	s.deliverWrite(1, nil)
	require.Equal(t, 1, op.finished)
	assert.Equal(t, opWrite, op.kind)
	assert.Equal(t, 5, op.n)
	assert.NoError(t, op.err)
	assert.Equal(t, int64(0), op.setOffset)
	assert.Equal(t, StateIODone, h.Stats().State)
	assert.Equal(t, int64(5), h.Size())
}

func TestWriteEmptyVector(t *testing.T) {
	h, _ := openTestHandle(t, -1)

	err := h.Write(nil, newTestOp())
	assert.True(t, errors.Is(err, ErrParameter))
	requireIdle(t, h)
}

func TestWriteAtOffset(t *testing.T) {
	h, s := openTestHandle(t, 10)

	op := newTestOp()
	op.offset = 4
	require.NoError(t, h.Write([][]byte{[]byte("xy")}, op))

	require.Len(t, s.starts, 1)
	assert.Equal(t, transferStart{call: "partial put", start: 4, end: -1}, s.starts[0])
	assert.Equal(t, int64(6), h.Stats().Offset)

	s.deliverWrite(0, nil)
	require.Equal(t, 1, op.finished)
	assert.Equal(t, int64(4), op.setOffset)
	assert.Equal(t, int64(10), h.Size(), "writing inside the object leaves its size alone")

	// An explicit offset behind the cursor does not move it back.
	op = newTestOp()
	op.offset = 0
	require.NoError(t, h.Write([][]byte{[]byte("z")}, op))
	assert.Equal(t, int64(6), h.Stats().Offset)
	assert.Equal(t, int64(0), s.writes[1].offset)
}

func TestWriteSubWriteRegisterFailure(t *testing.T) {
	h, s := openTestHandle(t, -1)

	registered := 0
	s.failOn = func(call string) error {
		if call != "register write" {
			return nil
		}
		if registered++; registered == 2 {
			return errors.New("452 disk full")
		}
		return nil
	}

	op := newTestOp()
	require.NoError(t, h.Write([][]byte{[]byte("ab"), []byte("cde")}, op))
	require.Len(t, s.writes, 1)

	s.deliverWrite(0, nil)

	require.Equal(t, 1, op.finished)
	assert.Contains(t, op.err.Error(), "452 disk full")
	assert.Equal(t, int64(0), h.Size(), "a failed write does not grow the object")
	assert.Equal(t, StateIODone, h.Stats().State)
}

func TestWriteSubWriteFailure(t *testing.T) {
	h, s := openTestHandle(t, -1)

	op := newTestOp()
	require.NoError(t, h.Write([][]byte{[]byte("ab"), []byte("cde")}, op))

	s.deliverWrite(0, errors.New("426 connection closed"))
	assert.Zero(t, op.finished)

	s.deliverWrite(1, nil)
	require.Equal(t, 1, op.finished)
	assert.Contains(t, op.err.Error(), "426")
	assert.Equal(t, int64(-1), op.setOffset)
}

func TestWriteRegisterFailureRollsBack(t *testing.T) {
	h, s := openTestHandle(t, -1)
	s.failOn = func(call string) error {
		if call == "register write" {
			return errors.New("data connection refused")
		}
		return nil
	}

	err := h.Write([][]byte{[]byte("abc")}, newTestOp())
	require.Error(t, err)

	// Ending the PUT with an end-of-data write failed as well, so it is aborted outright.
	assert.Equal(t, 1, s.aborts)
	assert.Equal(t, StateAbortPending, h.Stats().State)
	assert.Zero(t, h.Stats().InUse)

	s.finishTransfer(errors.New("aborted"))
	requireIdle(t, h)
}

func TestPartialWrite(t *testing.T) {
	h, s := openTestHandle(t, -1, WithPartialTransfer())

	op := newTestOp()
	require.NoError(t, h.Write([][]byte{[]byte("abc")}, op))

	require.Len(t, s.starts, 1)
	assert.Equal(t, transferStart{call: "partial put", start: 0, end: 3}, s.starts[0])
	require.Len(t, s.writes, 1)
	assert.True(t, s.writes[0].eof, "every write of a window carries its end")

	s.deliverWrite(0, nil)
	assert.Zero(t, op.finished)
	assert.Equal(t, int64(3), h.Size())

	s.finishTransfer(nil)
	require.Equal(t, 1, op.finished)
	assert.Equal(t, 3, op.n)
	assert.NoError(t, op.err)
	requireIdle(t, h)
}
