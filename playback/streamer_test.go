package playback_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/playback"
	"github.com/vigilcam/vigil/storage"
	"github.com/vigilcam/vigil/utils"
	"github.com/vigilcam/vigil/vault"
)

// countingCache in-memory cache double tracking hits and misses
type countingCache struct {
	lock    sync.Mutex
	entries map[string][]byte
	hits    int
	misses  int
}

func newCountingCache() *countingCache {
	return &countingCache{entries: make(map[string][]byte)}
}

func (c *countingCache) CachePayload(
	ctxt context.Context, key string, content []byte, ttl time.Duration,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries[key] = content
	return nil
}

func (c *countingCache) PurgePayloads(ctxt context.Context, keys []string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

func (c *countingCache) GetPayload(ctxt context.Context, key string) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if entry, ok := c.entries[key]; ok {
		c.hits++
		return entry, nil
	}
	c.misses++
	return nil, nil
}

type playbackTestEnv struct {
	layout   storage.Layout
	streamer playback.Streamer
	cache    *countingCache
	vault    vault.Vault
}

func setupPlaybackTest(t *testing.T, key []byte) playbackTestEnv {
	root := t.TempDir()
	layout, err := storage.NewLayout(
		common.StorageConfig{RecordingRoot: root, DiskFreeWatermarkPct: 5, ScratchDir: root},
		utils.NewDiskMonitor(root, 1),
	)
	assert.Nil(t, err)

	testVault, err := vault.NewVault(key)
	assert.Nil(t, err)

	cache := newCountingCache()
	streamer, err := playback.NewStreamer(layout, testVault, cache, time.Minute*5)
	assert.Nil(t, err)

	return playbackTestEnv{layout: layout, streamer: streamer, cache: cache, vault: testVault}
}

// commitArtifact write raw artifact bytes through the layout
func commitArtifact(
	t *testing.T, layout storage.Layout, stem string, payload []byte, encrypted bool,
) string {
	utCtxt := context.Background()
	tmpPath, err := layout.Reserve(utCtxt, stem, ".mp4", encrypted)
	assert.Nil(t, err)
	assert.Nil(t, os.WriteFile(tmpPath, payload, 0o640))
	finalPath, err := layout.Commit(utCtxt, tmpPath)
	assert.Nil(t, err)
	return finalPath
}

func readAll(t *testing.T, reader io.ReadCloser) []byte {
	content, err := io.ReadAll(reader)
	assert.Nil(t, err)
	assert.Nil(t, reader.Close())
	return content
}

func testAESKey() []byte {
	key := make([]byte, vault.KeySize)
	for idx := range key {
		key[idx] = byte(idx * 7)
	}
	return key
}

func TestPlaybackPlaintextStream(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupPlaybackTest(t, nil)
	payload := make([]byte, 1024)
	for idx := range payload {
		payload[idx] = byte(idx)
	}
	artifactPath := commitArtifact(t, env.layout, "ut_stream_plain", payload, false)
	recording := common.Recording{
		ID: "ut_stream_plain", ArtifactPath: artifactPath, Encryption: common.EncryptionModeNone,
	}

	// Full read
	content, err := env.streamer.Stream(utCtxt, recording, "")
	assert.Nil(err)
	assert.Equal(int64(0), content.Start)
	assert.Equal(int64(1023), content.End)
	assert.Equal(int64(1024), content.Total)
	assert.Equal("video/mp4", content.ContentType)
	assert.Equal(payload, readAll(t, content.Reader))

	// Probe range used by players
	content, err = env.streamer.Stream(utCtxt, recording, "bytes=0-0")
	assert.Nil(err)
	assert.Equal(int64(0), content.Start)
	assert.Equal(int64(0), content.End)
	assert.Equal(payload[:1], readAll(t, content.Reader))

	// Interior window
	content, err = env.streamer.Stream(utCtxt, recording, "bytes=10-19")
	assert.Nil(err)
	assert.Equal(payload[10:20], readAll(t, content.Reader))

	// Open ended and suffix forms
	content, err = env.streamer.Stream(utCtxt, recording, "bytes=1000-")
	assert.Nil(err)
	assert.Equal(payload[1000:], readAll(t, content.Reader))
	content, err = env.streamer.Stream(utCtxt, recording, "bytes=-24")
	assert.Nil(err)
	assert.Equal(payload[1000:], readAll(t, content.Reader))

	// Start beyond the payload
	_, err = env.streamer.Stream(utCtxt, recording, "bytes=4096-4097")
	assert.NotNil(err)
	assert.Equal(common.ErrCodeRangeNotSupported, common.CodeOf(err))

	// Garbage range
	_, err = env.streamer.Stream(utCtxt, recording, "bytes=abc")
	assert.NotNil(err)
	assert.Equal(common.ErrCodeBadRequest, common.CodeOf(err))
}

func TestPlaybackMonolithicEncrypted(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupPlaybackTest(t, testAESKey())
	payload := bytes.Repeat([]byte{0xC3}, 4096)
	ciphertext, err := env.vault.Encrypt(utCtxt, payload)
	assert.Nil(err)
	artifactPath := commitArtifact(t, env.layout, "ut_stream_mono", ciphertext, true)
	recording := common.Recording{
		ID: "ut_stream_mono", ArtifactPath: artifactPath, Encryption: common.EncryptionModeAEAD,
	}

	// Whole payload streams decrypted
	content, err := env.streamer.Stream(utCtxt, recording, "")
	assert.Nil(err)
	assert.Equal(int64(len(payload)), content.Total)
	assert.Equal(payload, readAll(t, content.Reader))

	// Ranged reads are refused on monolithic ciphertext
	_, err = env.streamer.Stream(utCtxt, recording, "bytes=0-0")
	assert.NotNil(err)
	assert.Equal(common.ErrCodeRangeNotSupported, common.CodeOf(err))
}

func TestPlaybackChunkedEncryptedRanges(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupPlaybackTest(t, testAESKey())

	// Two chunks: one full plus a partial tail
	payload := make([]byte, vault.ChunkSize+1024)
	for idx := range payload {
		payload[idx] = byte(idx % 251)
	}
	sinkPath := filepath.Join(t.TempDir(), "chunked.bin")
	sink, err := os.Create(sinkPath)
	assert.Nil(err)
	_, err = env.vault.EncryptStream(utCtxt, bytes.NewReader(payload), sink)
	assert.Nil(err)
	assert.Nil(sink.Close())
	ciphertext, err := os.ReadFile(sinkPath)
	assert.Nil(err)

	artifactPath := commitArtifact(t, env.layout, "ut_stream_chunked", ciphertext, true)
	recording := common.Recording{
		ID: "ut_stream_chunked", ArtifactPath: artifactPath, Encryption: common.EncryptionModeAEAD,
	}

	// Window crossing the chunk boundary
	start := int64(vault.ChunkSize - 16)
	end := int64(vault.ChunkSize + 15)
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end)
	content, err := env.streamer.Stream(utCtxt, recording, rangeHeader)
	assert.Nil(err)
	assert.Equal(start, content.Start)
	assert.Equal(end, content.End)
	assert.Equal(int64(len(payload)), content.Total)
	assert.Equal(payload[start:end+1], readAll(t, content.Reader))
	assert.Equal(2, env.cache.misses)
	assert.Equal(0, env.cache.hits)

	// Second read of the same window is served from cache
	content, err = env.streamer.Stream(utCtxt, recording, rangeHeader)
	assert.Nil(err)
	assert.Equal(payload[start:end+1], readAll(t, content.Reader))
	assert.Equal(2, env.cache.hits)

	// Full read without a range header
	content, err = env.streamer.Stream(utCtxt, recording, "")
	assert.Nil(err)
	assert.Equal(payload, readAll(t, content.Reader))
}

func TestPlaybackEncryptedWithoutKey(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	// Produce ciphertext with a keyed vault, then serve with a disabled one
	keyed, err := vault.NewVault(testAESKey())
	assert.Nil(err)
	ciphertext, err := keyed.Encrypt(utCtxt, []byte("secret-video"))
	assert.Nil(err)

	env := setupPlaybackTest(t, nil)
	artifactPath := commitArtifact(t, env.layout, "ut_no_key", ciphertext, true)
	recording := common.Recording{
		ID: "ut_no_key", ArtifactPath: artifactPath, Encryption: common.EncryptionModeAEAD,
	}

	// Streaming is refused
	_, err = env.streamer.Stream(utCtxt, recording, "")
	assert.NotNil(err)
	assert.Equal(common.ErrCodeKeyUnavailable, common.CodeOf(err))

	// Download hands back the ciphertext verbatim
	content, err := env.streamer.Download(utCtxt, recording)
	assert.Nil(err)
	assert.Equal("application/octet-stream", content.ContentType)
	assert.Equal("ut_no_key.mp4.enc", content.Filename)
	assert.Equal(ciphertext, readAll(t, content.Reader))
}

func TestPlaybackDownloadDecrypts(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupPlaybackTest(t, testAESKey())
	payload := bytes.Repeat([]byte{0x5A}, 2048)
	ciphertext, err := env.vault.Encrypt(utCtxt, payload)
	assert.Nil(err)
	artifactPath := commitArtifact(t, env.layout, "ut_download", ciphertext, true)

	content, err := env.streamer.Download(utCtxt, common.Recording{
		ID: "ut_download", ArtifactPath: artifactPath, Encryption: common.EncryptionModeAEAD,
	})
	assert.Nil(err)
	assert.Equal("video/mp4", content.ContentType)
	assert.Equal("ut_download.mp4", content.Filename)
	assert.Equal(int64(len(payload)), content.ContentLength)
	assert.Equal(payload, readAll(t, content.Reader))
}

func TestPlaybackServeHLS(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupPlaybackTest(t, nil)
	hlsDir := env.layout.HLSDir("ut_hls")
	assert.Nil(os.MkdirAll(hlsDir, 0o750))
	assert.Nil(os.WriteFile(filepath.Join(hlsDir, "index.m3u8"), []byte("#EXTM3U\n"), 0o640))
	assert.Nil(os.WriteFile(filepath.Join(hlsDir, "seg-00000.ts"), []byte{0x47}, 0o640))

	content, err := env.streamer.ServeHLS(utCtxt, "ut_hls", "index.m3u8")
	assert.Nil(err)
	assert.Equal("application/vnd.apple.mpegurl", content.ContentType)
	assert.Equal([]byte("#EXTM3U\n"), readAll(t, content.Reader))

	content, err = env.streamer.ServeHLS(utCtxt, "ut_hls", "seg-00000.ts")
	assert.Nil(err)
	assert.Equal("video/MP2T", content.ContentType)
	assert.Nil(content.Reader.Close())

	// Traversal and unsupported names are rejected
	_, err = env.streamer.ServeHLS(utCtxt, "ut_hls", "../secret.m3u8")
	assert.NotNil(err)
	assert.Equal(common.ErrCodeBadRequest, common.CodeOf(err))
	_, err = env.streamer.ServeHLS(utCtxt, "ut_hls", "index.html")
	assert.NotNil(err)
	assert.Equal(common.ErrCodeBadRequest, common.CodeOf(err))

	// Missing asset
	_, err = env.streamer.ServeHLS(utCtxt, "ut_hls", "seg-00001.ts")
	assert.NotNil(err)
	assert.Equal(common.ErrCodeArtifactMissing, common.CodeOf(err))
}
