// Package audio wraps the ffmpeg/ffprobe binaries for probing source
// chapters and encoding the HLS renditions.
package audio

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	ffprobe "gopkg.in/vansante/go-ffprobe.v2"
)

// SetFFProbePath overrides the ffprobe binary location.
func SetFFProbePath(path string) {
	if path != "" {
		ffprobe.SetFFProbeBinPath(path)
	}
}

// InputAudio describes the probed source file.
type InputAudio struct {
	Duration   time.Duration
	Bitrate    int64
	SampleRate int
	Channels   int
	Format     string
	SizeBytes  int64
}

// Probe inspects a source file. Transient probe failures are retried a
// few times since inputs may arrive over the network.
func Probe(ctx context.Context, url string) (InputAudio, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(ctx, 60*time.Second)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, url, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backOff, 3), ctx))
	if err != nil {
		return InputAudio{}, fmt.Errorf("error probing %s: %w", url, err)
	}
	return parseProbeOutput(data)
}

func parseProbeOutput(data *ffprobe.ProbeData) (InputAudio, error) {
	if data.Format == nil {
		return InputAudio{}, fmt.Errorf("error parsing input audio: format information missing")
	}
	stream := data.FirstAudioStream()
	if stream == nil {
		return InputAudio{}, fmt.Errorf("error checking for audio: no audio stream found")
	}

	ia := InputAudio{
		Duration: data.Format.Duration(),
		Format:   data.Format.FormatName,
		Channels: stream.Channels,
	}

	bitRateValue := stream.BitRate
	if bitRateValue == "" {
		bitRateValue = data.Format.BitRate
	}
	if bitRateValue != "" {
		bitrate, err := strconv.ParseInt(bitRateValue, 10, 64)
		if err != nil {
			return InputAudio{}, fmt.Errorf("error parsing bitrate from probed data: %w", err)
		}
		ia.Bitrate = bitrate
	}
	if stream.SampleRate != "" {
		rate, err := strconv.Atoi(stream.SampleRate)
		if err != nil {
			return InputAudio{}, fmt.Errorf("error parsing sample rate from probed data: %w", err)
		}
		ia.SampleRate = rate
	}
	if data.Format.Size != "" {
		size, err := strconv.ParseInt(data.Format.Size, 10, 64)
		if err != nil {
			return InputAudio{}, fmt.Errorf("error parsing filesize from probed data: %w", err)
		}
		ia.SizeBytes = size
	}
	return ia, nil
}
