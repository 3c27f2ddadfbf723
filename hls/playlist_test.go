package hls_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vigilcam/vigil/hls"
)

func TestPlaylistParsing(t *testing.T) {
	assert := assert.New(t)

	uut := hls.NewPlaylistParser()
	utCtxt := context.Background()

	currentTime := time.Now().UTC()

	// Case 0: completed VOD style playlist
	{
		content := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXTINF:4.000000,
seg-00000.ts
#EXTINF:4.000000,
seg-00001.ts
#EXTINF:2.500000,
seg-00002.ts
#EXT-X-ENDLIST`
		parsed, err := uut.ParsePlaylist(
			utCtxt, "index.m3u8", strings.Split(content, "\n"), currentTime,
		)
		assert.Nil(err)
		assert.Equal("index.m3u8", parsed.Name)
		assert.Equal(3, parsed.Version)
		assert.Equal(4.0, parsed.TargetSegDuration)
		assert.True(parsed.Ended)
		assert.Len(parsed.Segments, 3)
		assert.Equal("seg-00002.ts", parsed.Segments[2].Name)
		assert.Equal(2.5, parsed.Segments[2].Length)
		assert.Equal(time.Millisecond*10500, parsed.TotalDuration())
	}

	// Case 1: rolling playlist without ENDLIST
	{
		content := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:12
#EXTINF:4.000000,
seg-00012.ts
#EXTINF:4.000000,
seg-00013.ts`
		parsed, err := uut.ParsePlaylist(
			utCtxt, "index.m3u8", strings.Split(content, "\n"), currentTime,
		)
		assert.Nil(err)
		assert.False(parsed.Ended)
		latest, ok := parsed.LatestSegment()
		assert.True(ok)
		assert.Equal("seg-00013.ts", latest.Name)
	}

	// Case 2: tag where a segment filename was expected
	{
		content := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXTINF:4.000000,
#EXT-X-ENDLIST`
		_, err := uut.ParsePlaylist(
			utCtxt, "index.m3u8", strings.Split(content, "\n"), currentTime,
		)
		assert.NotNil(err)
	}

	// Case 3: no segments at all
	{
		content := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4`
		_, err := uut.ParsePlaylist(
			utCtxt, "index.m3u8", strings.Split(content, "\n"), currentTime,
		)
		assert.NotNil(err)
	}
}
