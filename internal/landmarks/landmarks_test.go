package landmarks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-drowsiness/internal/geometry"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

func testFrame(w, h int) types.Frame {
	return types.Frame{Seq: 1, Image: image.NewRGBA(image.Rect(0, 0, w, h)), TraceID: "trace"}
}

func TestProtocolRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := response{Seq: 7, Found: true, Landmarks: [][2]float64{{0.25, 0.5}, {1, 0}}, LatencyMS: 3.5}
	require.NoError(t, writeMessage(&buf, in))
	require.NoError(t, writeMessage(&buf, response{Seq: 8}))

	var out response
	require.NoError(t, readMessage(&buf, &out))
	assert.Equal(t, in, out)
	require.NoError(t, readMessage(&buf, &out))
	assert.Equal(t, uint64(8), out.Seq)

	assert.ErrorIs(t, readMessage(&buf, &out), io.EOF)
}

func TestProtocolRejectsOversizedPrefix(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxMessageSize+1)
	var out response
	err := readMessage(bytes.NewReader(prefix[:]), &out)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestProtocolTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, response{Seq: 1, Found: true}))
	truncated := buf.Bytes()[:buf.Len()-1]

	var out response
	err := readMessage(bytes.NewReader(truncated), &out)
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF), "a cut message is not a clean end of stream")
}

func TestSyntheticFaceEAR(t *testing.T) {
	for _, ear := range []float64{0.11, 0.25, 0.32} {
		ls := SyntheticFace(640, 480, ear)
		s := geometry.SampleFromLandmarks(ls, true)
		require.True(t, s.OK)
		assert.InDelta(t, ear, s.Value, 1e-9)
	}
}

func TestScriptedCyclesSchedule(t *testing.T) {
	p := NewScripted([]Phase{
		{Frames: 2, EAR: 0.3},
		{Frames: 1, NoFace: true},
	})
	ctx := context.Background()
	frame := testFrame(320, 240)

	var got []geometry.Sample
	for i := 0; i < 6; i++ {
		ls, found, err := p.Detect(ctx, frame)
		require.NoError(t, err)
		got = append(got, geometry.SampleFromLandmarks(ls, found))
	}

	want := []bool{true, true, false, true, true, false}
	for i, s := range got {
		assert.Equal(t, want[i], s.OK, "frame %d", i)
	}
	assert.InDelta(t, 0.3, got[0].Value, 1e-9)
}

func TestScriptedDefaultsToDemo(t *testing.T) {
	p := NewScripted(nil)
	assert.Equal(t, DemoSchedule, p.schedule)
}

func TestPackedPixelsSubImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = byte(i)
	}
	sub := img.SubImage(image.Rect(1, 1, 3, 3)).(*image.RGBA)

	out := packedPixels(types.Frame{Image: sub})
	require.Len(t, out, 2*2*4)
	assert.Equal(t, img.Pix[img.PixOffset(1, 1)], out[0])
	assert.Equal(t, img.Pix[img.PixOffset(1, 2)], out[8])
}

// TestHelperWorker is not a real test: it is the fake Face Mesh worker
// spawned by the PythonProvider tests.
func TestHelperWorker(t *testing.T) {
	mode := os.Getenv("LANDMARK_HELPER_MODE")
	if mode == "" {
		return
	}
	in := bufio.NewReader(os.Stdin)
	for {
		var req request
		if err := readMessage(in, &req); err != nil {
			os.Exit(0)
		}
		switch mode {
		case "silent":
			continue
		case "crash":
			os.Exit(3)
		case "noface":
			_ = writeMessage(os.Stdout, response{Seq: req.Seq})
		case "error":
			_ = writeMessage(os.Stdout, response{Seq: req.Seq, Error: "model not loaded"})
		default:
			ls := SyntheticFace(req.Width, req.Height, 0.3)
			norm := make([][2]float64, len(ls))
			for i, p := range ls {
				norm[i] = [2]float64{p.X / float64(req.Width), p.Y / float64(req.Height)}
			}
			_ = writeMessage(os.Stdout, response{Seq: req.Seq, Found: true, Landmarks: norm})
		}
	}
}

func newHelperProvider(t *testing.T, mode string) *PythonProvider {
	t.Helper()
	p, err := NewPythonProvider(PythonConfig{
		Command: []string{os.Args[0], "-test.run=^TestHelperWorker$", "--"},
		Env:     []string{"LANDMARK_HELPER_MODE=" + mode},
		Timeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPythonProviderFace(t *testing.T) {
	p := newHelperProvider(t, "face")

	for i := 0; i < 3; i++ {
		ls, found, err := p.Detect(context.Background(), testFrame(640, 480))
		require.NoError(t, err)
		require.True(t, found)
		require.Len(t, ls, meshSize)

		s := geometry.SampleFromLandmarks(ls, found)
		require.True(t, s.OK)
		assert.InDelta(t, 0.3, s.Value, 1e-6, "pixel coordinates restored")
	}
	st := p.Stats()
	assert.Equal(t, uint64(3), st.Requests)
	assert.Equal(t, uint64(3), st.Faces)
	assert.True(t, st.Alive)
}

func TestPythonProviderNoFace(t *testing.T) {
	p := newHelperProvider(t, "noface")

	ls, found, err := p.Detect(context.Background(), testFrame(64, 48))
	require.NoError(t, err, "no face is not an error")
	assert.False(t, found)
	assert.Nil(t, ls)
}

func TestPythonProviderWorkerError(t *testing.T) {
	p := newHelperProvider(t, "error")

	_, _, err := p.Detect(context.Background(), testFrame(64, 48))
	assert.ErrorContains(t, err, "model not loaded")
}

func TestPythonProviderTimeout(t *testing.T) {
	p := newHelperProvider(t, "silent")

	_, _, err := p.Detect(context.Background(), testFrame(64, 48))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(1), p.Stats().Timeouts)
}

func TestPythonProviderWorkerExit(t *testing.T) {
	p := newHelperProvider(t, "crash")

	_, _, err := p.Detect(context.Background(), testFrame(64, 48))
	assert.ErrorIs(t, err, ErrWorkerExited)

	require.Eventually(t, func() bool { return !p.Stats().Alive }, time.Second, 5*time.Millisecond)
	_, _, err = p.Detect(context.Background(), testFrame(64, 48))
	assert.ErrorIs(t, err, ErrWorkerExited)
}

func TestPythonProviderMissingBinary(t *testing.T) {
	_, err := NewPythonProvider(PythonConfig{Command: []string{"/nonexistent/face-mesh-worker"}})
	assert.Error(t, err)
}
