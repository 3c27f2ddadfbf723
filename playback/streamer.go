package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/storage"
	"github.com/vigilcam/vigil/utils"
	"github.com/vigilcam/vigil/vault"
)

// hlsFilenamePattern acceptable HLS asset names
var hlsFilenamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Content a full playback payload
type Content struct {
	// Reader payload byte stream
	Reader io.ReadCloser
	// ContentType payload media type
	ContentType string
	// ContentLength payload length in bytes
	ContentLength int64
	// Filename suggested client side filename
	Filename string
}

// RangeContent a partial playback payload
type RangeContent struct {
	// Reader payload byte stream for the requested window
	Reader io.ReadCloser
	// Start first byte offset of the window
	Start int64
	// End last byte offset of the window, inclusive
	End int64
	// Total complete payload length in bytes
	Total int64
	// ContentType payload media type
	ContentType string
}

// Streamer serves recording artifacts for download and playback
type Streamer interface {
	/*
		Download fetch the complete artifact. Encrypted artifacts decrypt in
		flight when a key is loaded; without one the stored ciphertext is
		returned verbatim.

			@param ctxt context.Context - execution context
			@param recording common.Recording - target recording
			@returns full content payload
	*/
	Download(ctxt context.Context, recording common.Recording) (Content, error)

	/*
		Stream fetch the artifact for inline playback, honoring a single HTTP
		byte range. An empty rangeHeader returns the complete payload.

			@param ctxt context.Context - execution context
			@param recording common.Recording - target recording
			@param rangeHeader string - HTTP Range header value, or ""
			@returns partial payload window
	*/
	Stream(ctxt context.Context, recording common.Recording, rangeHeader string) (RangeContent, error)

	/*
		ServeHLS fetch one asset of a recording's HLS tree

			@param ctxt context.Context - execution context
			@param recordingID string - recording ID
			@param filename string - requested asset filename
			@returns asset payload
	*/
	ServeHLS(ctxt context.Context, recordingID string, filename string) (Content, error)
}

// streamerImpl implements Streamer
type streamerImpl struct {
	goutils.Component
	layout     storage.Layout
	vault      vault.Vault
	chunkCache utils.PayloadCache
	cacheTTL   time.Duration
}

/*
NewStreamer define a new playback streamer

	@param layout storage.Layout - artifact storage
	@param artifactVault vault.Vault - encryption vault
	@param chunkCache utils.PayloadCache - decrypted chunk cache
	@param cacheTTL time.Duration - chunk cache entry retention
	@returns new Streamer
*/
func NewStreamer(
	layout storage.Layout,
	artifactVault vault.Vault,
	chunkCache utils.PayloadCache,
	cacheTTL time.Duration,
) (Streamer, error) {
	return &streamerImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "playback", "component": "streamer"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		layout:     layout,
		vault:      artifactVault,
		chunkCache: chunkCache,
		cacheTTL:   cacheTTL,
	}, nil
}

// mediaTypeForArtifact infer the media type from the artifact filename,
// ignoring the encryption suffix
func mediaTypeForArtifact(artifactPath string) string {
	name := strings.TrimSuffix(filepath.Base(artifactPath), ".enc")
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

// parseRangeHeader parse a single HTTP byte range against a payload of
// totalLength bytes. Returns the inclusive window.
func parseRangeHeader(rangeHeader string, totalLength int64) (int64, int64, error) {
	malformed := common.NewError(
		common.ErrCodeBadRequest, fmt.Sprintf("malformed range '%s'", rangeHeader),
	)

	spec, ok := strings.CutPrefix(rangeHeader, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, malformed
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, malformed
	}

	// Suffix form "-N" requests the trailing N bytes
	if startStr == "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, malformed
		}
		if suffix > totalLength {
			suffix = totalLength
		}
		return totalLength - suffix, totalLength - 1, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, malformed
	}
	end := totalLength - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return 0, 0, malformed
		}
		if end > totalLength-1 {
			end = totalLength - 1
		}
	}
	if start >= totalLength {
		return 0, 0, common.NewError(
			common.ErrCodeRangeNotSupported,
			fmt.Sprintf("range start %d beyond payload of %d bytes", start, totalLength),
		)
	}
	return start, end, nil
}

func (s *streamerImpl) Download(
	ctxt context.Context, recording common.Recording,
) (Content, error) {
	handle, err := s.layout.OpenRead(ctxt, recording.ArtifactPath)
	if err != nil {
		return Content{}, err
	}
	stat, err := handle.Stat()
	if err != nil {
		_ = handle.Close()
		return Content{}, common.WrapError(common.ErrCodeStorageError, "artifact stat failed", err)
	}

	filename := filepath.Base(recording.ArtifactPath)

	if recording.Encryption == common.EncryptionModeNone {
		return Content{
			Reader:        handle,
			ContentType:   mediaTypeForArtifact(recording.ArtifactPath),
			ContentLength: stat.Size(),
			Filename:      filename,
		}, nil
	}

	// Without a key the ciphertext leaves as-is so the owner can decrypt
	// offline
	if !s.vault.Enabled() {
		return Content{
			Reader:        handle,
			ContentType:   "application/octet-stream",
			ContentLength: stat.Size(),
			Filename:      filename,
		}, nil
	}

	plaintext, err := s.decryptWhole(ctxt, handle, stat.Size())
	_ = handle.Close()
	if err != nil {
		return Content{}, err
	}
	return Content{
		Reader:        io.NopCloser(bytes.NewReader(plaintext)),
		ContentType:   mediaTypeForArtifact(recording.ArtifactPath),
		ContentLength: int64(len(plaintext)),
		Filename:      strings.TrimSuffix(filename, ".enc"),
	}, nil
}

// decryptWhole decrypt an entire artifact payload into memory
func (s *streamerImpl) decryptWhole(
	ctxt context.Context, handle *os.File, payloadSize int64,
) ([]byte, error) {
	version, err := vault.PayloadVersion(handle)
	if err != nil {
		return nil, err
	}
	switch version {
	case vault.VersionMonolithic:
		payload := make([]byte, payloadSize)
		if _, err := handle.ReadAt(payload, 0); err != nil {
			return nil, common.WrapError(common.ErrCodeStorageError, "artifact read failed", err)
		}
		return s.vault.Decrypt(ctxt, payload)
	case vault.VersionChunked:
		var recovered bytes.Buffer
		if _, err := s.vault.DecryptStream(ctxt, handle, &recovered); err != nil {
			return nil, err
		}
		return recovered.Bytes(), nil
	default:
		return nil, common.NewError(
			common.ErrCodeMalformedPayload, fmt.Sprintf("unknown payload version 0x%02x", version),
		)
	}
}

func (s *streamerImpl) Stream(
	ctxt context.Context, recording common.Recording, rangeHeader string,
) (RangeContent, error) {
	logTags := s.GetLogTagsForContext(ctxt)

	// Inline playback of encrypted content requires a loaded key
	if recording.Encryption != common.EncryptionModeNone && !s.vault.Enabled() {
		return RangeContent{}, common.NewError(
			common.ErrCodeKeyUnavailable,
			fmt.Sprintf("no key loaded to stream encrypted recording '%s'", recording.ID),
		)
	}

	handle, err := s.layout.OpenRead(ctxt, recording.ArtifactPath)
	if err != nil {
		return RangeContent{}, err
	}
	stat, err := handle.Stat()
	if err != nil {
		_ = handle.Close()
		return RangeContent{}, common.WrapError(common.ErrCodeStorageError, "artifact stat failed", err)
	}
	contentType := mediaTypeForArtifact(recording.ArtifactPath)

	if recording.Encryption == common.EncryptionModeNone {
		return s.streamPlaintext(handle, stat.Size(), rangeHeader, contentType)
	}

	version, err := vault.PayloadVersion(handle)
	if err != nil {
		_ = handle.Close()
		return RangeContent{}, err
	}

	switch version {
	case vault.VersionMonolithic:
		// Monolithic AEAD payloads only decrypt whole
		if rangeHeader != "" {
			_ = handle.Close()
			return RangeContent{}, common.NewError(
				common.ErrCodeRangeNotSupported,
				fmt.Sprintf("recording '%s' does not support ranged reads", recording.ID),
			)
		}
		plaintext, err := s.decryptWhole(ctxt, handle, stat.Size())
		_ = handle.Close()
		if err != nil {
			return RangeContent{}, err
		}
		total := int64(len(plaintext))
		return RangeContent{
			Reader:      io.NopCloser(bytes.NewReader(plaintext)),
			Start:       0,
			End:         total - 1,
			Total:       total,
			ContentType: contentType,
		}, nil

	case vault.VersionChunked:
		defer func() { _ = handle.Close() }()
		content, err := s.streamChunked(ctxt, recording, handle, stat.Size(), rangeHeader, contentType)
		if err != nil {
			log.
				WithError(err).
				WithFields(logTags).
				WithField("recording-id", recording.ID).
				Debug("Chunked stream failed")
		}
		return content, err

	default:
		_ = handle.Close()
		return RangeContent{}, common.NewError(
			common.ErrCodeMalformedPayload, fmt.Sprintf("unknown payload version 0x%02x", version),
		)
	}
}

// streamPlaintext ranged reads of plaintext artifacts happen directly
// against the disk file
func (s *streamerImpl) streamPlaintext(
	handle *os.File, totalLength int64, rangeHeader string, contentType string,
) (RangeContent, error) {
	start, end := int64(0), totalLength-1
	if rangeHeader != "" {
		var err error
		start, end, err = parseRangeHeader(rangeHeader, totalLength)
		if err != nil {
			_ = handle.Close()
			return RangeContent{}, err
		}
	}
	if _, err := handle.Seek(start, io.SeekStart); err != nil {
		_ = handle.Close()
		return RangeContent{}, common.WrapError(common.ErrCodeStorageError, "artifact seek failed", err)
	}
	return RangeContent{
		Reader:      newLimitReadCloser(handle, end-start+1),
		Start:       start,
		End:         end,
		Total:       totalLength,
		ContentType: contentType,
	}, nil
}

// streamChunked ranged reads of chunked AEAD artifacts decrypt only the
// chunks overlapping the window, consulting the chunk cache first
func (s *streamerImpl) streamChunked(
	ctxt context.Context,
	recording common.Recording,
	handle *os.File,
	payloadSize int64,
	rangeHeader string,
	contentType string,
) (RangeContent, error) {
	chunkCount, err := vault.ChunkedChunkCount(handle)
	if err != nil {
		return RangeContent{}, err
	}
	totalLength := vault.ChunkedPlaintextSize(payloadSize, chunkCount)

	start, end := int64(0), totalLength-1
	if rangeHeader != "" {
		start, end, err = parseRangeHeader(rangeHeader, totalLength)
		if err != nil {
			return RangeContent{}, err
		}
	}

	firstChunk, lastChunk, startOffset := vault.ChunkWindow(start, end)

	var window bytes.Buffer
	for chunkIdx := firstChunk; chunkIdx <= lastChunk; chunkIdx++ {
		chunk, err := s.fetchChunk(ctxt, recording.ID, handle, chunkIdx)
		if err != nil {
			return RangeContent{}, err
		}
		window.Write(chunk)
	}

	length := end - start + 1
	payload := window.Bytes()[startOffset : startOffset+length]
	return RangeContent{
		Reader:      io.NopCloser(bytes.NewReader(payload)),
		Start:       start,
		End:         end,
		Total:       totalLength,
		ContentType: contentType,
	}, nil
}

// fetchChunk fetch one decrypted chunk, through the cache
func (s *streamerImpl) fetchChunk(
	ctxt context.Context, recordingID string, handle *os.File, chunkIdx uint32,
) ([]byte, error) {
	cacheKey := fmt.Sprintf("chunk/%s/%d", recordingID, chunkIdx)

	if cached, err := s.chunkCache.GetPayload(ctxt, cacheKey); err == nil && cached != nil {
		return cached, nil
	}

	chunk, err := s.vault.DecryptChunkRange(ctxt, handle, chunkIdx, chunkIdx)
	if err != nil {
		return nil, err
	}
	if err := s.chunkCache.CachePayload(ctxt, cacheKey, chunk, s.cacheTTL); err != nil {
		logTags := s.GetLogTagsForContext(ctxt)
		log.WithError(err).WithFields(logTags).WithField("cache-key", cacheKey).
			Warn("Chunk cache write failed")
	}
	return chunk, nil
}

func (s *streamerImpl) ServeHLS(
	ctxt context.Context, recordingID string, filename string,
) (Content, error) {
	if !hlsFilenamePattern.MatchString(filename) {
		return Content{}, common.NewError(
			common.ErrCodeBadRequest, fmt.Sprintf("illegal HLS asset name '%s'", filename),
		)
	}

	var contentType string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".m3u8":
		contentType = "application/vnd.apple.mpegurl"
	case ".ts":
		contentType = "video/MP2T"
	default:
		return Content{}, common.NewError(
			common.ErrCodeBadRequest, fmt.Sprintf("unsupported HLS asset type '%s'", filename),
		)
	}

	assetPath := filepath.Join(s.layout.HLSDir(recordingID), filename)
	handle, err := s.layout.OpenRead(ctxt, assetPath)
	if err != nil {
		return Content{}, err
	}
	stat, err := handle.Stat()
	if err != nil {
		_ = handle.Close()
		return Content{}, common.WrapError(common.ErrCodeStorageError, "asset stat failed", err)
	}

	return Content{
		Reader:        handle,
		ContentType:   contentType,
		ContentLength: stat.Size(),
		Filename:      filename,
	}, nil
}

// limitReadCloser a LimitReader which also closes the backing file
type limitReadCloser struct {
	reader io.Reader
	closer io.Closer
}

func newLimitReadCloser(handle *os.File, length int64) io.ReadCloser {
	return &limitReadCloser{reader: io.LimitReader(handle, length), closer: handle}
}

func (l *limitReadCloser) Read(p []byte) (int, error) {
	return l.reader.Read(p)
}

func (l *limitReadCloser) Close() error {
	return l.closer.Close()
}
