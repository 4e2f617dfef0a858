package slsrecv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuiMessage(t *testing.T) {
	s := GuiSample{Data: []byte{1, 2, 3, '\n', 5}, FileName: "/data/run_f000000000000_0.raw",
		FrameIndex: 77, Sequence: 4}
	msg, err := EncodeGuiSample(s)
	require.NoError(t, err)
	hdr, data, err := DecodeGuiSample(msg)
	require.NoError(t, err)
	assert.Equal(t, GuiHeader{FileName: s.FileName, FrameIndex: 77, Sequence: 4, Bytes: 5}, hdr)
	assert.Equal(t, s.Data, data)

	_, _, err = DecodeGuiSample([]byte("no header line"))
	assert.Error(t, err)
	_, _, err = DecodeGuiSample(msg[:len(msg)-1])
	assert.Error(t, err, "truncated frame")
	_, _, err = DecodeGuiSample([]byte("{bad json\nxyz"))
	assert.Error(t, err)
}

func TestMergeUpdates(t *testing.T) {
	status := ClientUpdate{"STATUS", Progress{FramesCaught: 1}}
	newer := ClientUpdate{"STATUS", Progress{FramesCaught: 2}}
	file := ClientUpdate{"FILE", FileStatus{Name: "a"}}
	assert.True(t, mergeUpdates(status, newer))
	assert.True(t, mergeUpdates(ClientUpdate{"PROGRESS", nil}, ClientUpdate{"PROGRESS", nil}))
	assert.False(t, mergeUpdates(status, file))
	assert.False(t, mergeUpdates(file, ClientUpdate{"FILE", FileStatus{Name: "b"}}), "every file is announced")

	q := NewUpdateQueue()
	q.In() <- file
	q.In() <- status
	q.In() <- newer
	got := <-q.Out()
	assert.Equal(t, "FILE", got.tag)
	got = <-q.Out()
	assert.Equal(t, newer, got)
	assert.Equal(t, 1, q.Merged())
	close(q.In())
	_, ok := <-q.Out()
	assert.False(t, ok)
}
