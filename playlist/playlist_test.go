package playlist

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMasterListsVariantsAscending(t *testing.T) {
	body := string(Master([]int{256, 64, 128}, 128))

	require.Contains(t, body, "#EXTM3U")
	require.Contains(t, body, "BANDWIDTH=64000")
	require.Contains(t, body, "BANDWIDTH=128000")
	require.Contains(t, body, "BANDWIDTH=256000")
	require.Contains(t, body, `CODECS="mp4a.40.2"`)
	require.Contains(t, body, "64k/playlist.m3u8")

	require.Less(t, strings.Index(body, "BANDWIDTH=64000"), strings.Index(body, "BANDWIDTH=128000"))
	require.Less(t, strings.Index(body, "BANDWIDTH=128000"), strings.Index(body, "BANDWIDTH=256000"))
}

func TestMasterMarksRecommendedVariantOnly(t *testing.T) {
	body := string(Master([]int{64, 128, 256}, 128))

	require.Equal(t, 1, strings.Count(body, "RESOLUTION=0x0"))
	for _, line := range strings.Split(body, "\n") {
		if strings.Contains(line, "RESOLUTION=0x0") {
			require.Contains(t, line, "BANDWIDTH=128000")
		}
	}
}

func TestVariantPlaylist(t *testing.T) {
	body, err := Variant([]string{"segment_001.ts", "segment_000.ts", "segment_002.ts"}, 10)
	require.NoError(t, err)

	text := string(body)
	require.Contains(t, text, "#EXT-X-TARGETDURATION:10")
	require.Contains(t, text, "#EXT-X-ENDLIST")
	require.Less(t, strings.Index(text, "segment_000.ts"), strings.Index(text, "segment_001.ts"))
	require.Less(t, strings.Index(text, "segment_001.ts"), strings.Index(text, "segment_002.ts"))
}

func TestVariantEmptyListing(t *testing.T) {
	_, err := Variant(nil, 10)
	require.Error(t, err)
}

func TestRecommendedBitrate(t *testing.T) {
	available := []int{64, 128, 256}

	// explicit preference wins when available
	require.Equal(t, 256, RecommendedBitrate(available, 100000, 256))

	// highest variant fitting the client bandwidth
	require.Equal(t, 128, RecommendedBitrate(available, 150000, 0))
	require.Equal(t, 256, RecommendedBitrate(available, 1000000, 0))

	// bandwidth below every variant falls back to the lowest
	require.Equal(t, 64, RecommendedBitrate(available, 10000, 0))

	// no hints at all picks the median
	require.Equal(t, 128, RecommendedBitrate(available, 0, 0))
	require.Equal(t, 128, RecommendedBitrate([]int{64, 128}, 0, 0))

	// nothing available
	require.Equal(t, 128, RecommendedBitrate(nil, 0, 0))
}
