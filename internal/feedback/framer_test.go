package feedback

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(payload string) []byte {
	return append(append([]byte{STX}, payload...), ETX)
}

func TestFramerSingleFrame(t *testing.T) {
	f := NewFramer(nil)

	frames, mangled := f.Feed(frame(`{"type":"Command_finished","id":1}`))
	require.Len(t, frames, 1)
	assert.Empty(t, mangled)
	assert.Equal(t, `{"type":"Command_finished","id":1}`, string(frames[0]))
	assert.Zero(t, f.Pending())
}

func TestFramerCarriesPartialFrame(t *testing.T) {
	f := NewFramer(nil)
	data := frame(`{"type":"Command_finished","id":7}`)

	frames, _ := f.Feed(data[:10])
	assert.Empty(t, frames)
	assert.Equal(t, 9, f.Pending())

	frames, _ = f.Feed(data[10:])
	require.Len(t, frames, 1)
	assert.Equal(t, `{"type":"Command_finished","id":7}`, string(frames[0]))
}

func TestFramerSplitsMultipleFramesInOneRead(t *testing.T) {
	f := NewFramer(nil)
	var data []byte
	data = append(data, frame(`{"id":1}`)...)
	data = append(data, frame(`{"id":2}`)...)
	data = append(data, STX)
	data = append(data, `{"id":`...)

	frames, mangled := f.Feed(data)
	require.Len(t, frames, 2)
	assert.Empty(t, mangled)
	assert.Equal(t, `{"id":1}`, string(frames[0]))
	assert.Equal(t, `{"id":2}`, string(frames[1]))

	frames, _ = f.Feed([]byte("3}\x03"))
	require.Len(t, frames, 1)
	assert.Equal(t, `{"id":3}`, string(frames[0]))
}

func TestFramerNewStartMangledPrevious(t *testing.T) {
	f := NewFramer(nil)

	_, _ = f.Feed([]byte("\x02{\"type\": \"Report_state\", \"id\": 4, \"data\": [{\"na"))
	frames, mangled := f.Feed(frame(`{"type":"Command_finished","id":5}`))

	require.Len(t, frames, 1)
	assert.Equal(t, `{"type":"Command_finished","id":5}`, string(frames[0]))
	require.Len(t, mangled, 1)
	assert.Equal(t, TypeReportState, mangled[0].Type)
	assert.Equal(t, 4, mangled[0].ID)

	_, ok := mangled[0].Recover()
	assert.False(t, ok, "state reports are not rebuilt")
}

func TestFramerMultipleStartsInOneChunk(t *testing.T) {
	f := NewFramer(nil)
	data := []byte("\x02{\"type\":\"Command_finished\",\"id\":8\x02{\"type\":\"Interpreter_cleared\",\"id\":2\x02{\"id\":9}\x03")

	frames, mangled := f.Feed(data)
	require.Len(t, frames, 1)
	assert.Equal(t, `{"id":9}`, string(frames[0]))
	require.Len(t, mangled, 2)

	msg, ok := mangled[0].Recover()
	require.True(t, ok)
	assert.Equal(t, &CommandFinished{ID: 8}, msg)

	msg, ok = mangled[1].Recover()
	require.True(t, ok)
	assert.Equal(t, &InterpreterCleared{ID: 2}, msg)
}

func TestFramerStrayBytes(t *testing.T) {
	f := NewFramer(nil)

	frames, mangled := f.Feed([]byte("garbage\x02{\"id\":1}\x03"))
	require.Len(t, frames, 1)
	require.Len(t, mangled, 1)
	assert.Equal(t, "garbage", string(mangled[0].Data))

	// Whitespace between frames is not worth reporting.
	_, mangled = f.Feed([]byte("\n"))
	assert.Empty(t, mangled)
}

func TestFramerRoundTripArbitraryChunking(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(10)
		want := make([]string, n)
		var stream []byte
		for i := range want {
			want[i] = fmt.Sprintf(`{"type":"Report_state","id":%d,"data":[{"name":"v%d","type":"String","value":"%d","global":false}]}`, i, i, rng.Intn(1000))
			stream = append(stream, frame(want[i])...)
		}

		f := NewFramer(nil)
		var got []string
		for len(stream) > 0 {
			size := 1 + rng.Intn(len(stream))
			frames, mangled := f.Feed(stream[:size])
			require.Empty(t, mangled)
			for _, fr := range frames {
				got = append(got, string(fr))
			}
			stream = stream[size:]
		}

		require.Equal(t, want, got, "trial %d", trial)
	}
}

func TestFramerMangledPositionKeepsOrder(t *testing.T) {
	f := NewFramer(nil)

	frames, mangled := f.Feed([]byte("\x02{\"id\":1}\x03\x02{\"type\":\"Command_finished\",\"id\":2\x02{\"id\":3}\x03"))
	require.Len(t, frames, 2)
	require.Len(t, mangled, 1)
	assert.Equal(t, 1, mangled[0].Position)
}
