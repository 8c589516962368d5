package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProgressWriterParsesEncoderOutput(t *testing.T) {
	var reported []float64
	w := &progressWriter{
		duration:   10 * time.Minute,
		onProgress: func(p float64) { reported = append(reported, p) },
	}

	_, err := w.Write([]byte("size=    1024kB time=00:02:30.00 bitrate= 128.0kbits/s speed=40x\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("size=    2048kB time=00:05:00.00 bitrate= 128.0kbits/s speed=40x\n"))
	require.NoError(t, err)

	require.Len(t, reported, 2)
	require.InDelta(t, 0.25, reported[0], 0.001)
	require.InDelta(t, 0.5, reported[1], 0.001)
}

func TestProgressWriterHandlesSplitMarker(t *testing.T) {
	var reported []float64
	w := &progressWriter{
		duration:   time.Minute,
		onProgress: func(p float64) { reported = append(reported, p) },
	}

	_, err := w.Write([]byte("frame=0 time=00:0"))
	require.NoError(t, err)
	_, err = w.Write([]byte("0:30.00 bitrate=N/A\n"))
	require.NoError(t, err)

	require.NotEmpty(t, reported)
	require.InDelta(t, 0.5, reported[len(reported)-1], 0.001)
}

func TestProgressWriterMonotonicAndCapped(t *testing.T) {
	var reported []float64
	w := &progressWriter{
		duration:   time.Minute,
		onProgress: func(p float64) { reported = append(reported, p) },
	}

	_, _ = w.Write([]byte("time=00:00:45.00\n"))
	_, _ = w.Write([]byte("time=00:00:30.00\n")) // stale marker must not report
	_, _ = w.Write([]byte("time=00:02:00.00\n")) // past the end caps at 1

	require.Equal(t, []float64{0.75, 1}, reported)
}

func TestParseEncodeTimeFraction(t *testing.T) {
	match := encodeTimeRegex.FindSubmatch([]byte("time=01:02:03.50"))
	require.NotNil(t, match)
	d := parseEncodeTime(match)
	require.Equal(t, time.Hour+2*time.Minute+3*time.Second+500*time.Millisecond, d)
}
