package derive_test

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/derive"
	"github.com/vigilcam/vigil/storage"
	"github.com/vigilcam/vigil/utils"
	"github.com/vigilcam/vigil/vault"
)

// installFakeTranscoder write a shell script standing in for ffmpeg. The
// script appends one line to invocationLog and writes fixture to its final
// argument. A missing fixture makes the script fail.
func installFakeTranscoder(t *testing.T, dir, fixture, invocationLog string) string {
	script := filepath.Join(dir, "fake-transcoder.sh")
	content := fmt.Sprintf(`#!/bin/sh
echo run >> %s
if [ ! -f %s ]; then
  exit 1
fi
for last in "$@"; do :; done
cp %s "$last"
`, invocationLog, fixture, fixture)
	assert.Nil(t, os.WriteFile(script, []byte(content), 0o750))
	return script
}

func countInvocations(t *testing.T, invocationLog string) int {
	content, err := os.ReadFile(invocationLog)
	if os.IsNotExist(err) {
		return 0
	}
	assert.Nil(t, err)
	return bytes.Count(content, []byte("run"))
}

type deriveTestEnv struct {
	layout        storage.Layout
	deriver       derive.Deriver
	fixture       string
	invocationLog string
}

func setupDeriveTest(t *testing.T, key []byte) deriveTestEnv {
	root := t.TempDir()
	scratch := t.TempDir()

	layout, err := storage.NewLayout(
		common.StorageConfig{RecordingRoot: root, DiskFreeWatermarkPct: 5, ScratchDir: scratch},
		utils.NewDiskMonitor(root, 1),
	)
	assert.Nil(t, err)

	testVault, err := vault.NewVault(key)
	assert.Nil(t, err)

	fixture := filepath.Join(t.TempDir(), "fixture")
	invocationLog := filepath.Join(t.TempDir(), "invocations")
	transcoder := installFakeTranscoder(t, t.TempDir(), fixture, invocationLog)

	uut, err := derive.NewDeriver(layout, testVault, common.TranscoderConfig{
		Path:               transcoder,
		ProbePath:          transcoder,
		SegmentLengthInSec: 4,
		HLSGenTimeoutInMin: 1,
	})
	assert.Nil(t, err)

	return deriveTestEnv{
		layout: layout, deriver: uut, fixture: fixture, invocationLog: invocationLog,
	}
}

// stageArtifact place a plaintext artifact in the layout tree
func stageArtifact(
	t *testing.T, layout storage.Layout, stem string, payload []byte,
) string {
	utCtxt := context.Background()
	tmpPath, err := layout.Reserve(utCtxt, stem, ".mp4", false)
	assert.Nil(t, err)
	assert.Nil(t, os.WriteFile(tmpPath, payload, 0o640))
	finalPath, err := layout.Commit(utCtxt, tmpPath)
	assert.Nil(t, err)
	return finalPath
}

const validPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXTINF:4.000000,
seg-00000.ts
#EXTINF:4.000000,
seg-00001.ts
#EXT-X-ENDLIST
`

func TestDeriverGenerateHLS(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupDeriveTest(t, nil)
	assert.Nil(os.WriteFile(env.fixture, []byte(validPlaylist), 0o640))

	stem := "ut_hls_0"
	artifactPath := stageArtifact(t, env.layout, stem, []byte("video-bytes"))
	// Backdate the artifact so the generated playlist is strictly newer
	past := time.Now().Add(-time.Hour)
	assert.Nil(os.Chtimes(artifactPath, past, past))

	recording := common.Recording{
		ID: stem, ArtifactPath: artifactPath, Encryption: common.EncryptionModeNone,
	}
	playlistPath, err := env.deriver.GenerateHLS(utCtxt, recording)
	assert.Nil(err)
	assert.Equal(filepath.Join(env.layout.HLSDir(stem), "index.m3u8"), playlistPath)
	assert.Equal(1, countInvocations(t, env.invocationLog))

	// A second call returns the existing tree without re-transcoding
	playlistPath2, err := env.deriver.GenerateHLS(utCtxt, recording)
	assert.Nil(err)
	assert.Equal(playlistPath, playlistPath2)
	assert.Equal(1, countInvocations(t, env.invocationLog))
}

func TestDeriverGenerateHLSTranscodeFailure(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	// No fixture file makes the stub transcoder exit non-zero
	env := setupDeriveTest(t, nil)

	stem := "ut_hls_fail"
	artifactPath := stageArtifact(t, env.layout, stem, []byte("video-bytes"))

	_, err := env.deriver.GenerateHLS(utCtxt, common.Recording{
		ID: stem, ArtifactPath: artifactPath, Encryption: common.EncryptionModeNone,
	})
	assert.NotNil(err)
	assert.Equal(common.ErrCodeTranscodeFailed, common.CodeOf(err))

	// The partial tree is gone
	_, statErr := os.Stat(env.layout.HLSDir(stem))
	assert.True(os.IsNotExist(statErr))
}

func TestDeriverGenerateHLSInvalidPlaylist(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupDeriveTest(t, nil)
	assert.Nil(os.WriteFile(env.fixture, []byte("#EXTM3U\nnot-a-playlist\n"), 0o640))

	stem := "ut_hls_bad_playlist"
	artifactPath := stageArtifact(t, env.layout, stem, []byte("video-bytes"))

	_, err := env.deriver.GenerateHLS(utCtxt, common.Recording{
		ID: stem, ArtifactPath: artifactPath, Encryption: common.EncryptionModeNone,
	})
	assert.NotNil(err)
	assert.Equal(common.ErrCodeTranscodeFailed, common.CodeOf(err))
	_, statErr := os.Stat(env.layout.HLSDir(stem))
	assert.True(os.IsNotExist(statErr))
}

func TestDeriverGenerateHLSEncryptedSource(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	key := make([]byte, vault.KeySize)
	for idx := range key {
		key[idx] = byte(idx * 3)
	}
	env := setupDeriveTest(t, key)
	assert.Nil(os.WriteFile(env.fixture, []byte(validPlaylist), 0o640))

	testVault, err := vault.NewVault(key)
	assert.Nil(err)
	ciphertext, err := testVault.Encrypt(utCtxt, []byte("video-bytes"))
	assert.Nil(err)

	stem := "ut_hls_encrypted"
	tmpPath, err := env.layout.Reserve(utCtxt, stem, ".mp4", true)
	assert.Nil(err)
	assert.Nil(os.WriteFile(tmpPath, ciphertext, 0o640))
	artifactPath, err := env.layout.Commit(utCtxt, tmpPath)
	assert.Nil(err)
	past := time.Now().Add(-time.Hour)
	assert.Nil(os.Chtimes(artifactPath, past, past))

	playlistPath, err := env.deriver.GenerateHLS(utCtxt, common.Recording{
		ID: stem, ArtifactPath: artifactPath, Encryption: common.EncryptionModeAEAD,
	})
	assert.Nil(err)
	assert.FileExists(playlistPath)

	// No decrypted scratch file survives the derivation
	entries, err := os.ReadDir(env.layout.ScratchDir())
	assert.Nil(err)
	assert.Empty(entries)
}

func TestDeriverGenerateThumbnail(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupDeriveTest(t, nil)

	// Stub transcoder emits a real PNG frame
	frame := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var frameBytes bytes.Buffer
	assert.Nil(png.Encode(&frameBytes, frame))
	assert.Nil(os.WriteFile(env.fixture, frameBytes.Bytes(), 0o640))

	stem := "ut_thumb_0"
	artifactPath := stageArtifact(t, env.layout, stem, []byte("video-bytes"))

	thumbnailPath, err := env.deriver.GenerateThumbnail(utCtxt, common.Recording{
		ID: stem, ArtifactPath: artifactPath, Encryption: common.EncryptionModeNone,
	})
	assert.Nil(err)
	assert.Equal(env.layout.ThumbnailPath(stem), thumbnailPath)
	content, err := os.ReadFile(thumbnailPath)
	assert.Nil(err)
	// JPEG SOI marker
	assert.True(len(content) > 2 && content[0] == 0xFF && content[1] == 0xD8)
}

func TestDeriverGenerateThumbnailNoFrame(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	env := setupDeriveTest(t, nil)

	stem := "ut_thumb_fail"
	artifactPath := stageArtifact(t, env.layout, stem, []byte("not-video"))

	_, err := env.deriver.GenerateThumbnail(utCtxt, common.Recording{
		ID: stem, ArtifactPath: artifactPath, Encryption: common.EncryptionModeNone,
	})
	assert.NotNil(err)
	assert.Equal(common.ErrCodeThumbnailUnavailable, common.CodeOf(err))
}
