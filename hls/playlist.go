package hls

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Segment represents a HLS TS segment
type Segment struct {
	// Name segment file name
	Name string `json:"name" validate:"required"`
	// Length segment length in seconds
	Length float64 `json:"length" validate:"required"`
}

// String toString function
func (s Segment) String() string {
	t, _ := json.Marshal(&s)
	return string(t)
}

// GetDuration helper function to convert `Length` to a `time.Duration` field
func (s Segment) GetDuration() time.Duration {
	return time.Duration(float64(time.Second) * s.Length)
}

// Playlist represents a HLS playlist
type Playlist struct {
	// Name playlist file name
	Name string `json:"name" validate:"required"`
	// CreatedAt when the playlist was read
	CreatedAt time.Time `json:"created_at" validate:"required"`
	// Version EXT-X-VERSION value
	Version int `json:"version"`
	// TargetSegDuration target segment duration
	TargetSegDuration float64 `json:"duration" validate:"required"`
	// Ended whether the playlist carries #EXT-X-ENDLIST
	Ended bool `json:"ended"`
	// Segments list of TS segments associated with this playlist
	Segments []Segment `json:"segments" validate:"required,gt=0,dive"`
}

// LatestSegment the most recently appended segment of a rolling playlist
func (p Playlist) LatestSegment() (Segment, bool) {
	if len(p.Segments) == 0 {
		return Segment{}, false
	}
	return p.Segments[len(p.Segments)-1], true
}

// TotalDuration sum of all segment lengths
func (p Playlist) TotalDuration() time.Duration {
	total := time.Duration(0)
	for _, oneSegment := range p.Segments {
		total += oneSegment.GetDuration()
	}
	return total
}

// PlaylistParser HLS playlist parser
type PlaylistParser interface {
	/*
		ParsePlaylist parse a HLS playlist to get the playlist properties, and the
		associated segments.

		The playlist is expected to be already split into a list of strings. The
		expected structure of a HLS playlist

		#EXTM3U
		#EXT-X-VERSION:3
		#EXT-X-TARGETDURATION:4
		#EXTINF:4.000000,
		seg-00001.ts
		#EXT-X-ENDLIST

			@param ctxt context.Context - execution context
			@param name string - playlist file name
			@param content []string - HLS playlist content
			@param timestamp time.Time - when the playlist was read
			@returns parsed playlist
	*/
	ParsePlaylist(
		ctxt context.Context, name string, content []string, timestamp time.Time,
	) (Playlist, error)
}

/*
NewPlaylistParser define new playlist parser

	@returns parser
*/
func NewPlaylistParser() PlaylistParser {
	return playlistParserImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "hls", "component": "playlist-parser"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		validator: validator.New(),
	}
}

// playlistParserImpl implements PlaylistParser
type playlistParserImpl struct {
	goutils.Component
	validator *validator.Validate
}

func (p playlistParserImpl) ParsePlaylist(
	ctxt context.Context, name string, content []string, timestamp time.Time,
) (Playlist, error) {
	const (
		hlsParseIdle int = iota
		hlsParseReadType
		hlsParseReadSegmentDuration
		hlsParseReadSegmentFileName
		hlsParseReadAllSegments
	)

	logTags := p.GetLogTagsForContext(ctxt)

	playlist := Playlist{Name: name, CreatedAt: timestamp}

	// Parse the playlist contents
	var oneSegment Segment

	parseState := hlsParseIdle
	for _, oneLine := range content {
		oneLine = strings.TrimSpace(oneLine)
		if oneLine == "" {
			continue
		}
		switch parseState {

		case hlsParseIdle:
			if oneLine == "#EXTM3U" {
				parseState = hlsParseReadType
			}

		case hlsParseReadType:
			switch {
			case strings.HasPrefix(oneLine, "#EXT-X-VERSION"):
				// Get version
				parts := strings.Split(oneLine, ":")
				if len(parts) == 2 {
					if val, err := strconv.Atoi(parts[1]); err == nil {
						playlist.Version = val
					}
				}
			case strings.HasPrefix(oneLine, "#EXT-X-TARGETDURATION"):
				// Get target duration
				parts := strings.Split(oneLine, ":")
				if len(parts) == 2 {
					if val, err := strconv.ParseFloat(parts[1], 32); err == nil {
						playlist.TargetSegDuration = val
					}
				}
			case strings.HasPrefix(oneLine, "#EXTINF"):
				// First segment
				actualDuration := 0.0
				n, err := fmt.Sscanf(oneLine, "#EXTINF:%f,", &actualDuration)
				if err == nil && n == 1 {
					oneSegment = Segment{}
					oneSegment.Length = actualDuration
					parseState = hlsParseReadSegmentDuration
				}
			default:
				// Other header tags are not tracked
			}

		case hlsParseReadSegmentDuration:
			if strings.HasPrefix(oneLine, "#") {
				err := fmt.Errorf("received another tag instead of a segment filename")
				logTags["current"] = oneLine
				log.WithError(err).WithFields(logTags).Error("HLS playlist parse failure")
				return playlist, err
			}
			// Expect the entire line is segment filename
			oneSegment.Name = oneLine
			parseState = hlsParseReadSegmentFileName
			playlist.Segments = append(playlist.Segments, oneSegment)

		case hlsParseReadSegmentFileName:
			// Process another segment
			if strings.HasPrefix(oneLine, "#EXTINF") {
				actualDuration := 0.0
				n, err := fmt.Sscanf(oneLine, "#EXTINF:%f,", &actualDuration)
				if err == nil && n == 1 {
					oneSegment = Segment{}
					oneSegment.Length = actualDuration
					parseState = hlsParseReadSegmentDuration
				}
			} else if strings.HasPrefix(oneLine, "#EXT-X-ENDLIST") {
				// End of segments
				playlist.Ended = true
				parseState = hlsParseReadAllSegments
			} else if strings.HasPrefix(oneLine, "#") {
				// Rolling playlists interleave other tags between segments
				continue
			} else {
				err := fmt.Errorf("segment entry followed by unexpected content")
				logTags["current"] = oneLine
				log.WithError(err).WithFields(logTags).Error("HLS playlist parse failure")
				return playlist, err
			}

		case hlsParseReadAllSegments:
			err := fmt.Errorf("playlist has more data after #EXT-X-ENDLIST")
			logTags["current"] = oneLine
			log.WithError(err).WithFields(logTags).Error("HLS playlist parse failure")
			return playlist, err

		default:
			err := fmt.Errorf("parsing state broke")
			logTags["current"] = oneLine
			log.WithError(err).WithFields(logTags).Error("HLS playlist parse failure")
			return playlist, err
		}
	}

	if parseState != hlsParseReadAllSegments && parseState != hlsParseReadSegmentFileName {
		err := fmt.Errorf("playlist has unexpected format")
		log.WithError(err).WithFields(logTags).Error("HLS playlist parse failure")
		return playlist, err
	}

	// Validate the complete playlist
	if err := p.validator.Struct(&playlist); err != nil {
		log.WithError(err).WithFields(logTags).WithField("name", name).Error("HLS playlist is invalid")
		return playlist, err
	}

	return playlist, nil
}
