// Package playlist generates HLS master and variant playlists for
// transcoded chapters.
package playlist

import (
	"fmt"
	"sort"

	"github.com/grafov/m3u8"
)

const aacLCCodec = "mp4a.40.2"

// Master composes a master playlist for the given completed bitrates,
// in ascending order. The recommended variant is annotated with
// RESOLUTION=0x0 so audio-aware players can pick it out.
func Master(bitrates []int, recommended int) []byte {
	sorted := append([]int(nil), bitrates...)
	sort.Ints(sorted)

	master := m3u8.NewMasterPlaylist()
	for _, b := range sorted {
		params := m3u8.VariantParams{
			Bandwidth: uint32(b * 1000),
			Codecs:    aacLCCodec,
		}
		if b == recommended {
			params.Resolution = "0x0"
		}
		master.Append(fmt.Sprintf("%dk/playlist.m3u8", b), &m3u8.MediaPlaylist{}, params)
	}
	return master.Encode().Bytes()
}

// Variant rebuilds a rendition playlist from a sorted segment listing.
// Segment durations are not recoverable from the listing alone, so each
// entry is stamped with the configured target duration; the encoder
// writes the authoritative playlist at transcode time and this path is
// only a fallback for cache rebuilds.
func Variant(segments []string, segmentDuration int) ([]byte, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("no segments to build playlist from")
	}
	sorted := append([]string(nil), segments...)
	sort.Strings(sorted)

	pl, err := m3u8.NewMediaPlaylist(0, uint(len(sorted)))
	if err != nil {
		return nil, fmt.Errorf("error creating media playlist: %w", err)
	}
	pl.TargetDuration = float64(segmentDuration)
	for _, seg := range sorted {
		if err := pl.Append(seg, float64(segmentDuration), ""); err != nil {
			return nil, fmt.Errorf("error appending segment %s: %w", seg, err)
		}
	}
	pl.Close()
	return pl.Encode().Bytes(), nil
}

// RecommendedBitrate picks the variant to annotate on the master
// playlist. Preference order: an explicitly requested bitrate that is
// available, then the highest bitrate fitting the client's bandwidth,
// then the median of what is available.
func RecommendedBitrate(available []int, bandwidthBps int64, preferred int) int {
	if len(available) == 0 {
		return 128
	}
	sorted := append([]int(nil), available...)
	sort.Ints(sorted)

	for _, b := range sorted {
		if b == preferred {
			return b
		}
	}

	if bandwidthBps > 0 {
		best := 0
		for _, b := range sorted {
			if int64(b)*1000 <= bandwidthBps {
				best = b
			}
		}
		if best > 0 {
			return best
		}
		// bandwidth too low for every variant
		return sorted[0]
	}

	return sorted[len(sorted)/2]
}
