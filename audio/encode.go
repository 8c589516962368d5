package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/audiocast/stream-api/config"
)

// EncodeParams describes one HLS rendition encode.
type EncodeParams struct {
	InputPath       string
	OutputDir       string
	Bitrate         int
	SegmentDuration int
	// Duration of the source, used to turn encoder timestamps into a
	// percentage. Zero disables progress reporting.
	Duration time.Duration
	// OnProgress receives values in [0, 1]. May be nil.
	OnProgress func(progress float64)
}

// EncodeRendition transcodes the input into a single-bitrate HLS
// rendition: AAC stereo at 44.1 kHz, MPEG-TS segments and a variant
// playlist written to OutputDir. The audio stream is mapped explicitly
// so that embedded cover art never produces a video stream.
func EncodeRendition(ctx context.Context, p EncodeParams) error {
	playlistPath := filepath.Join(p.OutputDir, config.VariantPlaylistFilename)
	segmentPattern := filepath.Join(p.OutputDir, config.SegmentFilenamePattern)

	outputArgs := ffmpeg.KwArgs{
		"c:a":                  "aac",
		"ac":                   2,
		"ar":                   44100,
		"b:a":                  fmt.Sprintf("%dk", p.Bitrate),
		"vn":                   "",
		"f":                    "hls",
		"hls_time":             p.SegmentDuration,
		"hls_list_size":        0,
		"hls_segment_filename": segmentPattern,
		"hls_flags":            "independent_segments",
	}

	ffmpegErr := bytes.Buffer{}
	stderr := io.Writer(&ffmpegErr)
	if p.OnProgress != nil && p.Duration > 0 {
		stderr = io.MultiWriter(&ffmpegErr, &progressWriter{
			duration:   p.Duration,
			onProgress: p.OnProgress,
		})
	}

	cmd := ffmpeg.Input(p.InputPath).
		Output(playlistPath, outputArgs).
		OverWriteOutput().
		Compile()
	cmd.Stdout = nil
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting encoder for %s: %w", p.InputPath, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("encoder cancelled for %s: %w", p.InputPath, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("encoder failed for %s [%s]: %w", p.InputPath, ffmpegErr.String(), err)
		}
	}
	return nil
}

var encodeTimeRegex = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2})(?:\.(\d+))?`)

// progressWriter scrapes "time=HH:MM:SS.cc" markers out of the encoder
// stderr stream and reports them as a fraction of the input duration.
type progressWriter struct {
	duration   time.Duration
	onProgress func(float64)

	mu   sync.Mutex
	tail []byte
	last float64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tail = append(w.tail, p...)
	// stderr arrives in arbitrary chunks; keep a bounded tail so a
	// marker split across writes still parses
	if len(w.tail) > 4096 {
		w.tail = w.tail[len(w.tail)-4096:]
	}

	matches := encodeTimeRegex.FindAllSubmatch(w.tail, -1)
	if len(matches) == 0 {
		return len(p), nil
	}
	last := matches[len(matches)-1]
	elapsed := parseEncodeTime(last)
	progress := float64(elapsed) / float64(w.duration)
	if progress > 1 {
		progress = 1
	}
	if progress > w.last {
		w.last = progress
		w.onProgress(progress)
	}
	return len(p), nil
}

func parseEncodeTime(match [][]byte) time.Duration {
	hours, _ := strconv.Atoi(string(match[1]))
	minutes, _ := strconv.Atoi(string(match[2]))
	seconds, _ := strconv.Atoi(string(match[3]))
	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	if len(match) > 4 && len(match[4]) > 0 {
		frac, err := strconv.ParseFloat("0."+string(match[4]), 64)
		if err == nil {
			d += time.Duration(frac * float64(time.Second))
		}
	}
	return d
}
