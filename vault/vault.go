package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/vigilcam/vigil/common"
)

// Encrypted payload wire format constants. These are the authoritative
// on-disk format for encrypted artifacts.
const (
	// VersionMonolithic single pass payload: <0x01><nonce:12><ct:N><tag:16>
	VersionMonolithic byte = 0x01
	// VersionChunked streaming payload: <0x02><chunk_count:4 BE> followed by
	// chunk_count records of <nonce:12><ct_len:4 BE><ct:ct_len><tag:16>
	VersionChunked byte = 0x02

	// KeySize AES-256 key size
	KeySize = 32
	// NonceSize GCM nonce size
	NonceSize = 12
	// TagSize GCM tag size
	TagSize = 16

	// MonolithicOverhead total added bytes for a monolithic payload
	MonolithicOverhead = 1 + NonceSize + TagSize

	// ChunkSize plaintext bytes per chunk in the chunked format
	ChunkSize = 4 << 20
	// chunkedHeaderLen version byte plus BE chunk count
	chunkedHeaderLen = 1 + 4
	// chunkRecordOverhead per chunk bytes beyond the ciphertext itself
	chunkRecordOverhead = NonceSize + 4 + TagSize
)

// Vault authenticated symmetric encryption of recording payloads
type Vault interface {
	/*
		Enabled whether any key is loaded. With no key loaded encrypt requests
		fail and reads pass ciphertext through verbatim.

			@returns whether the vault holds key material
	*/
	Enabled() bool

	/*
		Encrypt produce a monolithic encrypted payload

			@param ctxt context.Context - execution context
			@param plaintext []byte - payload to encrypt
			@returns ciphertext of length len(plaintext) + MonolithicOverhead
	*/
	Encrypt(ctxt context.Context, plaintext []byte) ([]byte, error)

	/*
		Decrypt open a monolithic encrypted payload. All loaded keys are tried
		newest first.

			@param ctxt context.Context - execution context
			@param payload []byte - complete encrypted payload
			@returns recovered plaintext
	*/
	Decrypt(ctxt context.Context, payload []byte) ([]byte, error)

	/*
		EncryptStream produce a chunked encrypted payload from a stream. The
		payload is split into fixed size plaintext chunks, each sealed with a
		nonce derived from a random base nonce XOR the chunk index.

			@param ctxt context.Context - execution context
			@param reader io.Reader - plaintext source
			@param writer io.WriteSeeker - ciphertext sink
			@returns total ciphertext bytes written
	*/
	EncryptStream(ctxt context.Context, reader io.Reader, writer io.WriteSeeker) (int64, error)

	/*
		DecryptStream open a complete chunked encrypted payload as a stream

			@param ctxt context.Context - execution context
			@param reader io.Reader - ciphertext source
			@param writer io.Writer - plaintext sink
			@returns total plaintext bytes written
	*/
	DecryptStream(ctxt context.Context, reader io.Reader, writer io.Writer) (int64, error)

	/*
		DecryptChunkRange open only the chunks [firstChunk, lastChunk] of a
		chunked payload. Supports byte range playback without decrypting the
		whole artifact.

			@param ctxt context.Context - execution context
			@param reader io.ReaderAt - ciphertext source
			@param firstChunk uint32 - first chunk index, inclusive
			@param lastChunk uint32 - last chunk index, inclusive
			@returns concatenated plaintext of the requested chunks
	*/
	DecryptChunkRange(
		ctxt context.Context, reader io.ReaderAt, firstChunk, lastChunk uint32,
	) ([]byte, error)

	/*
		Rotate install a new primary key. Previously loaded keys become verify
		only: they no longer encrypt, but decryption still tries them.

			@param ctxt context.Context - execution context
			@param newKey []byte - new AES-256 key
	*/
	Rotate(ctxt context.Context, newKey []byte) error

	/*
		Close zero all loaded key material

			@param ctxt context.Context - execution context
	*/
	Close(ctxt context.Context) error
}

// aeadVault implements Vault with AES-256-GCM
type aeadVault struct {
	goutils.Component
	// aeads newest key first. Index 0 encrypts; all entries decrypt.
	aeads []cipher.AEAD
	keys  [][]byte
	lock  sync.RWMutex
}

/*
ParseKey decode a base64 AEAD key from the environment

	@param encoded string - base64 encoded key
	@returns raw 32 byte key
*/
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeBadRequest, "encryption key is not valid base64", err)
	}
	if len(key) != KeySize {
		return nil, common.NewError(
			common.ErrCodeBadRequest,
			fmt.Sprintf("encryption key must be %d bytes, got %d", KeySize, len(key)),
		)
	}
	return key, nil
}

/*
NewVault define a new encryption vault

	@param key []byte - initial AES-256 key, nil to run with encryption disabled
	@returns new Vault
*/
func NewVault(key []byte) (Vault, error) {
	instance := &aeadVault{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "vault", "component": "aead-vault"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
	}
	if key != nil {
		aead, err := newAEAD(key)
		if err != nil {
			return nil, err
		}
		owned := make([]byte, len(key))
		copy(owned, key)
		instance.aeads = []cipher.AEAD{aead}
		instance.keys = [][]byte{owned}
	}
	return instance, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, common.NewError(
			common.ErrCodeBadRequest,
			fmt.Sprintf("encryption key must be %d bytes, got %d", KeySize, len(key)),
		)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeEncryptionFailed, "cipher init failed", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeEncryptionFailed, "AEAD init failed", err)
	}
	return aead, nil
}

func zeroBytes(buf []byte) {
	for idx := range buf {
		buf[idx] = 0
	}
}

func (v *aeadVault) Enabled() bool {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return len(v.aeads) > 0
}

func (v *aeadVault) Encrypt(ctxt context.Context, plaintext []byte) ([]byte, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	if len(v.aeads) == 0 {
		return nil, common.NewError(common.ErrCodeKeyUnavailable, "no encryption key loaded")
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, common.WrapError(common.ErrCodeEncryptionFailed, "nonce generation failed", err)
	}

	payload := make([]byte, 0, len(plaintext)+MonolithicOverhead)
	payload = append(payload, VersionMonolithic)
	payload = append(payload, nonce...)
	payload = v.aeads[0].Seal(payload, nonce, plaintext, nil)
	return payload, nil
}

func (v *aeadVault) Decrypt(ctxt context.Context, payload []byte) ([]byte, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	logTags := v.GetLogTagsForContext(ctxt)

	if len(payload) < MonolithicOverhead {
		return nil, common.NewError(common.ErrCodeMalformedPayload, "payload too short")
	}
	if payload[0] != VersionMonolithic {
		return nil, common.NewError(
			common.ErrCodeMalformedPayload,
			fmt.Sprintf("unknown payload version 0x%02x", payload[0]),
		)
	}

	nonce := payload[1 : 1+NonceSize]
	sealed := payload[1+NonceSize:]

	// Try all loaded keys, newest first
	for _, aead := range v.aeads {
		plaintext, err := aead.Open(nil, nonce, sealed, nil)
		if err == nil {
			return plaintext, nil
		}
	}

	log.WithFields(logTags).Error("No loaded key validates the payload AEAD tag")
	return nil, common.NewError(common.ErrCodeKeyUnavailable, "no loaded key validates the payload")
}

// deriveChunkNonce nonce for chunk index = base nonce XOR index over the
// trailing four bytes, big endian
func deriveChunkNonce(base []byte, index uint32) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, base)
	trailer := binary.BigEndian.Uint32(nonce[NonceSize-4:]) ^ index
	binary.BigEndian.PutUint32(nonce[NonceSize-4:], trailer)
	return nonce
}

func (v *aeadVault) EncryptStream(
	ctxt context.Context, reader io.Reader, writer io.WriteSeeker,
) (int64, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	if len(v.aeads) == 0 {
		return 0, common.NewError(common.ErrCodeKeyUnavailable, "no encryption key loaded")
	}

	baseNonce := make([]byte, NonceSize)
	if _, err := rand.Read(baseNonce); err != nil {
		return 0, common.WrapError(common.ErrCodeEncryptionFailed, "nonce generation failed", err)
	}

	// The chunk count is only known once the source drains, so write a
	// placeholder header and patch it afterwards.
	header := make([]byte, chunkedHeaderLen)
	header[0] = VersionChunked
	if _, err := writer.Write(header); err != nil {
		return 0, common.WrapError(common.ErrCodeStorageError, "ciphertext write failed", err)
	}
	written := int64(chunkedHeaderLen)

	var chunkCount uint32
	buffer := make([]byte, ChunkSize)
	for {
		if err := ctxt.Err(); err != nil {
			return written, common.WrapError(common.ErrCodeEncryptionFailed, "encryption cancelled", err)
		}
		n, readErr := io.ReadFull(reader, buffer)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return written, common.WrapError(common.ErrCodeStorageError, "plaintext read failed", readErr)
		}

		nonce := deriveChunkNonce(baseNonce, chunkCount)
		sealed := v.aeads[0].Seal(nil, nonce, buffer[:n], nil)
		ciphertext, tag := sealed[:n], sealed[n:]

		record := make([]byte, 0, chunkRecordOverhead+n)
		record = append(record, nonce...)
		record = binary.BigEndian.AppendUint32(record, uint32(n))
		record = append(record, ciphertext...)
		record = append(record, tag...)
		if _, err := writer.Write(record); err != nil {
			return written, common.WrapError(common.ErrCodeStorageError, "ciphertext write failed", err)
		}
		written += int64(len(record))
		chunkCount++

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	// Patch the chunk count into the header
	binary.BigEndian.PutUint32(header[1:], chunkCount)
	if _, err := writer.Seek(0, io.SeekStart); err != nil {
		return written, common.WrapError(common.ErrCodeStorageError, "ciphertext seek failed", err)
	}
	if _, err := writer.Write(header); err != nil {
		return written, common.WrapError(common.ErrCodeStorageError, "ciphertext header write failed", err)
	}
	if _, err := writer.Seek(0, io.SeekEnd); err != nil {
		return written, common.WrapError(common.ErrCodeStorageError, "ciphertext seek failed", err)
	}

	return written, nil
}

// openChunk try all loaded keys against one sealed chunk
func (v *aeadVault) openChunk(nonce, ciphertext, tag []byte) ([]byte, error) {
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	for _, aead := range v.aeads {
		plaintext, err := aead.Open(nil, nonce, sealed, nil)
		if err == nil {
			return plaintext, nil
		}
	}
	return nil, common.NewError(common.ErrCodeKeyUnavailable, "no loaded key validates the chunk")
}

func (v *aeadVault) DecryptStream(
	ctxt context.Context, reader io.Reader, writer io.Writer,
) (int64, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	header := make([]byte, chunkedHeaderLen)
	if _, err := io.ReadFull(reader, header); err != nil {
		return 0, common.WrapError(common.ErrCodeMalformedPayload, "chunked header read failed", err)
	}
	if header[0] != VersionChunked {
		return 0, common.NewError(
			common.ErrCodeMalformedPayload,
			fmt.Sprintf("unknown payload version 0x%02x", header[0]),
		)
	}
	chunkCount := binary.BigEndian.Uint32(header[1:])

	var written int64
	recordHeader := make([]byte, NonceSize+4)
	for idx := uint32(0); idx < chunkCount; idx++ {
		if err := ctxt.Err(); err != nil {
			return written, common.WrapError(common.ErrCodeKeyUnavailable, "decryption cancelled", err)
		}
		if _, err := io.ReadFull(reader, recordHeader); err != nil {
			return written, common.WrapError(common.ErrCodeMalformedPayload, "chunk record truncated", err)
		}
		ctLen := binary.BigEndian.Uint32(recordHeader[NonceSize:])
		if ctLen > ChunkSize {
			return written, common.NewError(common.ErrCodeMalformedPayload, "chunk length out of bounds")
		}
		body := make([]byte, int(ctLen)+TagSize)
		if _, err := io.ReadFull(reader, body); err != nil {
			return written, common.WrapError(common.ErrCodeMalformedPayload, "chunk body truncated", err)
		}
		plaintext, err := v.openChunk(recordHeader[:NonceSize], body[:ctLen], body[ctLen:])
		if err != nil {
			return written, err
		}
		n, err := writer.Write(plaintext)
		written += int64(n)
		if err != nil {
			return written, common.WrapError(common.ErrCodeStorageError, "plaintext write failed", err)
		}
	}

	return written, nil
}

func (v *aeadVault) DecryptChunkRange(
	ctxt context.Context, reader io.ReaderAt, firstChunk, lastChunk uint32,
) ([]byte, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	header := make([]byte, chunkedHeaderLen)
	if _, err := reader.ReadAt(header, 0); err != nil {
		return nil, common.WrapError(common.ErrCodeMalformedPayload, "chunked header read failed", err)
	}
	if header[0] != VersionChunked {
		return nil, common.NewError(
			common.ErrCodeMalformedPayload,
			fmt.Sprintf("unknown payload version 0x%02x", header[0]),
		)
	}
	chunkCount := binary.BigEndian.Uint32(header[1:])
	if firstChunk > lastChunk || lastChunk >= chunkCount {
		return nil, common.NewError(common.ErrCodeBadRequest, "chunk range out of bounds")
	}

	// All chunks except the last hold exactly ChunkSize plaintext bytes, so
	// record offsets are computable without scanning.
	recordOffset := func(idx uint32) int64 {
		return int64(chunkedHeaderLen) + int64(idx)*int64(ChunkSize+chunkRecordOverhead)
	}

	result := make([]byte, 0, int(lastChunk-firstChunk+1)*ChunkSize)
	recordHeader := make([]byte, NonceSize+4)
	for idx := firstChunk; idx <= lastChunk; idx++ {
		offset := recordOffset(idx)
		if _, err := reader.ReadAt(recordHeader, offset); err != nil {
			return nil, common.WrapError(common.ErrCodeMalformedPayload, "chunk record truncated", err)
		}
		ctLen := binary.BigEndian.Uint32(recordHeader[NonceSize:])
		if ctLen > ChunkSize {
			return nil, common.NewError(common.ErrCodeMalformedPayload, "chunk length out of bounds")
		}
		body := make([]byte, int(ctLen)+TagSize)
		if _, err := reader.ReadAt(body, offset+int64(len(recordHeader))); err != nil {
			return nil, common.WrapError(common.ErrCodeMalformedPayload, "chunk body truncated", err)
		}
		plaintext, err := v.openChunk(recordHeader[:NonceSize], body[:ctLen], body[ctLen:])
		if err != nil {
			return nil, err
		}
		result = append(result, plaintext...)
	}

	return result, nil
}

func (v *aeadVault) Rotate(ctxt context.Context, newKey []byte) error {
	logTags := v.GetLogTagsForContext(ctxt)

	aead, err := newAEAD(newKey)
	if err != nil {
		return err
	}
	owned := make([]byte, len(newKey))
	copy(owned, newKey)

	v.lock.Lock()
	defer v.lock.Unlock()
	v.aeads = append([]cipher.AEAD{aead}, v.aeads...)
	v.keys = append([][]byte{owned}, v.keys...)

	log.WithFields(logTags).WithField("verify-only-keys", len(v.aeads)-1).Info("Rotated vault key")
	return nil
}

func (v *aeadVault) Close(ctxt context.Context) error {
	v.lock.Lock()
	defer v.lock.Unlock()
	for _, key := range v.keys {
		zeroBytes(key)
	}
	v.keys = nil
	v.aeads = nil
	return nil
}

// =====================================================================================
// Payload geometry helpers used by the playback path

/*
PayloadVersion read the version byte of an encrypted payload

	@param reader io.ReaderAt - ciphertext source
	@returns the format version byte
*/
func PayloadVersion(reader io.ReaderAt) (byte, error) {
	version := make([]byte, 1)
	if _, err := reader.ReadAt(version, 0); err != nil {
		return 0, common.WrapError(common.ErrCodeMalformedPayload, "payload version read failed", err)
	}
	return version[0], nil
}

/*
MonolithicPlaintextSize plaintext size of a monolithic payload

	@param payloadSize int64 - total encrypted payload size
	@returns plaintext size
*/
func MonolithicPlaintextSize(payloadSize int64) int64 {
	return payloadSize - MonolithicOverhead
}

/*
ChunkedPlaintextSize plaintext size of a chunked payload

	@param payloadSize int64 - total encrypted payload size
	@param chunkCount uint32 - number of chunks in the payload
	@returns plaintext size
*/
func ChunkedPlaintextSize(payloadSize int64, chunkCount uint32) int64 {
	return payloadSize - chunkedHeaderLen - int64(chunkCount)*chunkRecordOverhead
}

/*
ChunkedChunkCount read the chunk count of a chunked payload

	@param reader io.ReaderAt - ciphertext source
	@returns number of chunks
*/
func ChunkedChunkCount(reader io.ReaderAt) (uint32, error) {
	header := make([]byte, chunkedHeaderLen)
	if _, err := reader.ReadAt(header, 0); err != nil {
		return 0, common.WrapError(common.ErrCodeMalformedPayload, "chunked header read failed", err)
	}
	if header[0] != VersionChunked {
		return 0, common.NewError(common.ErrCodeMalformedPayload, "payload is not chunked")
	}
	return binary.BigEndian.Uint32(header[1:]), nil
}

/*
ChunkWindow map a plaintext byte range to the chunk indexes covering it

	@param start int64 - first plaintext byte, inclusive
	@param end int64 - last plaintext byte, inclusive
	@returns first and last chunk index, and the offset of `start` within the
	    first chunk
*/
func ChunkWindow(start, end int64) (firstChunk, lastChunk uint32, startOffset int64) {
	firstChunk = uint32(start / ChunkSize)
	lastChunk = uint32(end / ChunkSize)
	startOffset = start % ChunkSize
	return firstChunk, lastChunk, startOffset
}
