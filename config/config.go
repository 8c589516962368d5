package config

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/go-kit/log"
)

var Version string

// Global variable, but easier than passing a logger around throughout the system
var Logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

func init() {
	Logger = log.With(Logger, "ts", log.DefaultTimestampUTC)
}

// Object-store key layout. Every artifact for a chapter lives under
// TranscodePrefix/{chapterID}/.
const (
	TranscodePrefix         = "bit_transcode"
	MasterPlaylistFilename  = "master.m3u8"
	VariantPlaylistFilename = "playlist.m3u8"
	SegmentFilenamePattern  = "segment_%03d.ts"
)

// MIME types for the artifacts we upload and serve.
const (
	MimePlaylist = "application/vnd.apple.mpegurl"
	MimeSegment  = "video/mp2t"
)

// DefaultBitrates is the fixed rendition ladder (kbps) used when the
// intake message does not specify one.
var DefaultBitrates = []int{64, 128, 256}

// ChapterDir returns the object-store directory for a chapter's artifacts.
func ChapterDir(chapterID string) string {
	return fmt.Sprintf("%s/%s", TranscodePrefix, chapterID)
}

// RenditionDir returns the object-store directory holding one bitrate's
// playlist and segments.
func RenditionDir(chapterID string, bitrate int) string {
	return fmt.Sprintf("%s/%s/%dk", TranscodePrefix, chapterID, bitrate)
}

// SegmentID builds the cache-visible segment identifier, e.g. "ch1_128_004".
func SegmentID(chapterID string, bitrate, index int) string {
	return fmt.Sprintf("%s_%d_%03d", chapterID, bitrate, index)
}

var r = rand.New(rand.NewSource(time.Now().UnixNano()))

func RandomTrailer(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	res := make([]byte, length)
	for i := 0; i < length; i++ {
		res[i] = charset[r.Intn(len(charset))]
	}
	return string(res)
}
