package vault_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vigilcam/vigil/common"
	"github.com/vigilcam/vigil/vault"
)

func testKey(t *testing.T) []byte {
	key := make([]byte, vault.KeySize)
	_, err := rand.Read(key)
	assert.Nil(t, err)
	return key
}

func TestParseKey(t *testing.T) {
	assert := assert.New(t)

	rawKey := testKey(t)
	parsed, err := vault.ParseKey(base64.StdEncoding.EncodeToString(rawKey))
	assert.Nil(err)
	assert.Equal(rawKey, parsed)

	_, err = vault.ParseKey("not-base-64!!!")
	assert.NotNil(err)

	_, err = vault.ParseKey(base64.StdEncoding.EncodeToString(rawKey[:16]))
	assert.NotNil(err)
}

func TestMonolithicRoundTrip(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut, err := vault.NewVault(testKey(t))
	assert.Nil(err)
	assert.True(uut.Enabled())

	plaintext := make([]byte, 4096)
	_, err = rand.Read(plaintext)
	assert.Nil(err)

	payload, err := uut.Encrypt(utCtxt, plaintext)
	assert.Nil(err)
	assert.Len(payload, len(plaintext)+vault.MonolithicOverhead)
	assert.Equal(vault.VersionMonolithic, payload[0])
	assert.Equal(int64(len(plaintext)), vault.MonolithicPlaintextSize(int64(len(payload))))

	recovered, err := uut.Decrypt(utCtxt, payload)
	assert.Nil(err)
	assert.Equal(plaintext, recovered)

	// Tampering with the ciphertext must fail authentication
	tampered := make([]byte, len(payload))
	copy(tampered, payload)
	tampered[len(tampered)/2] ^= 0xff
	_, err = uut.Decrypt(utCtxt, tampered)
	assert.NotNil(err)
	assert.Equal(common.ErrCodeKeyUnavailable, common.CodeOf(err))

	// Truncated payloads are malformed
	_, err = uut.Decrypt(utCtxt, payload[:8])
	assert.NotNil(err)
	assert.Equal(common.ErrCodeMalformedPayload, common.CodeOf(err))
}

func TestVaultWithoutKey(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut, err := vault.NewVault(nil)
	assert.Nil(err)
	assert.False(uut.Enabled())

	_, err = uut.Encrypt(utCtxt, []byte("payload"))
	assert.NotNil(err)
	assert.Equal(common.ErrCodeKeyUnavailable, common.CodeOf(err))
}

func TestKeyRotation(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	oldKey := testKey(t)
	uut, err := vault.NewVault(oldKey)
	assert.Nil(err)

	plaintext := []byte("sealed under the old key")
	oldPayload, err := uut.Encrypt(utCtxt, plaintext)
	assert.Nil(err)

	// After rotation, old payloads still decrypt and new payloads use the
	// new key.
	newKey := testKey(t)
	assert.Nil(uut.Rotate(utCtxt, newKey))

	recovered, err := uut.Decrypt(utCtxt, oldPayload)
	assert.Nil(err)
	assert.Equal(plaintext, recovered)

	newPayload, err := uut.Encrypt(utCtxt, plaintext)
	assert.Nil(err)

	// A vault holding only the old key must reject the new payload
	oldOnly, err := vault.NewVault(oldKey)
	assert.Nil(err)
	_, err = oldOnly.Decrypt(utCtxt, newPayload)
	assert.NotNil(err)
	assert.Equal(common.ErrCodeKeyUnavailable, common.CodeOf(err))

	// A vault holding only the new key accepts it
	newOnly, err := vault.NewVault(newKey)
	assert.Nil(err)
	recovered, err = newOnly.Decrypt(utCtxt, newPayload)
	assert.Nil(err)
	assert.Equal(plaintext, recovered)
}

func TestChunkedStreamRoundTrip(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut, err := vault.NewVault(testKey(t))
	assert.Nil(err)

	// Three full chunks plus a partial trailer
	plaintext := make([]byte, vault.ChunkSize*3+1234)
	_, err = rand.Read(plaintext)
	assert.Nil(err)

	payloadFile := filepath.Join(t.TempDir(), "payload.enc")
	sink, err := os.Create(payloadFile)
	assert.Nil(err)
	written, err := uut.EncryptStream(utCtxt, bytes.NewReader(plaintext), sink)
	assert.Nil(err)
	assert.Nil(sink.Close())

	payload, err := os.ReadFile(payloadFile)
	assert.Nil(err)
	assert.Equal(written, int64(len(payload)))
	assert.Equal(vault.VersionChunked, payload[0])

	chunkCount, err := vault.ChunkedChunkCount(bytes.NewReader(payload))
	assert.Nil(err)
	assert.Equal(uint32(4), chunkCount)
	assert.Equal(
		int64(len(plaintext)), vault.ChunkedPlaintextSize(int64(len(payload)), chunkCount),
	)

	var recovered bytes.Buffer
	read, err := uut.DecryptStream(utCtxt, bytes.NewReader(payload), &recovered)
	assert.Nil(err)
	assert.Equal(int64(len(plaintext)), read)
	assert.Equal(plaintext, recovered.Bytes())
}

func TestChunkedRangeDecrypt(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut, err := vault.NewVault(testKey(t))
	assert.Nil(err)

	plaintext := make([]byte, vault.ChunkSize*2+999)
	_, err = rand.Read(plaintext)
	assert.Nil(err)

	payloadFile := filepath.Join(t.TempDir(), "payload.enc")
	sink, err := os.Create(payloadFile)
	assert.Nil(err)
	_, err = uut.EncryptStream(utCtxt, bytes.NewReader(plaintext), sink)
	assert.Nil(err)
	assert.Nil(sink.Close())

	payload, err := os.ReadFile(payloadFile)
	assert.Nil(err)
	reader := bytes.NewReader(payload)

	// Middle chunk only
	middle, err := uut.DecryptChunkRange(utCtxt, reader, 1, 1)
	assert.Nil(err)
	assert.Equal(plaintext[vault.ChunkSize:vault.ChunkSize*2], middle)

	// Window covering an arbitrary plaintext byte range
	start := int64(vault.ChunkSize + 100)
	end := int64(vault.ChunkSize*2 + 50)
	firstChunk, lastChunk, startOffset := vault.ChunkWindow(start, end)
	assert.Equal(uint32(1), firstChunk)
	assert.Equal(uint32(2), lastChunk)
	assert.Equal(int64(100), startOffset)

	window, err := uut.DecryptChunkRange(utCtxt, reader, firstChunk, lastChunk)
	assert.Nil(err)
	sliced := window[startOffset : startOffset+(end-start)+1]
	assert.Equal(plaintext[start:end+1], sliced)

	// Out of bounds chunk indexes are rejected
	_, err = uut.DecryptChunkRange(utCtxt, reader, 2, 5)
	assert.NotNil(err)
	assert.Equal(common.ErrCodeBadRequest, common.CodeOf(err))
}
