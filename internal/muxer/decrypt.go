package muxer

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DecryptionKey describes the AES-128 (CBC, PKCS#7) key used to encrypt a
// segment set. If IV is nil, the IV of each segment is derived from its
// media sequence number, which is MediaSequence + the segment's ordinal index.
type DecryptionKey struct {
	Key           []byte
	IV            []byte
	MediaSequence uint64
}

// ParseIV decodes a hex IV attribute (e.g. 0x0000...0A) in to bytes. An
// empty string yields a nil IV.
func ParseIV(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	value = strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	if len(value)%2 != 0 {
		value = "0" + value
	}

	iv, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid IV %q: %w", value, err)
	}
	if len(iv) > aes.BlockSize {
		return nil, fmt.Errorf("IV %q exceeds the AES block size", value)
	}

	// Left-pad to a full block
	return append(make([]byte, aes.BlockSize-len(iv)), iv...), nil
}

func (k *DecryptionKey) ivFor(index int) []byte {
	if k.IV != nil {
		return k.IV
	}

	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], k.MediaSequence+uint64(index))
	return iv
}

// decryptSegments decrypts every segment in to the output directory, returning
// the decrypted segment set. The source segments are left untouched so that
// muxing the same inputs again yields the same result.
func decryptSegments(key *DecryptionKey, segments []segmentFile, outputDir string) ([]segmentFile, error) {
	if len(key.Key) != aes.BlockSize {
		return nil, fmt.Errorf("AES-128 key must be %d bytes, got %d", aes.BlockSize, len(key.Key))
	}

	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	out := make([]segmentFile, 0, len(segments))
	for _, s := range segments {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return nil, err
		}

		plain, err := decryptCBC(block, key.ivFor(s.index), data)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", s.index, err)
		}

		path := filepath.Join(outputDir, filepath.Base(s.path))
		if err := os.WriteFile(path, plain, 0o644); err != nil {
			return nil, err
		}

		out = append(out, segmentFile{index: s.index, path: path})
	}

	return out, nil
}

func decryptCBC(block cipher.Block, iv []byte, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the AES block size")
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	padding := int(plain[len(plain)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(plain) {
		return nil, errors.New("invalid PKCS#7 padding")
	}
	if !bytes.Equal(plain[len(plain)-padding:], bytes.Repeat([]byte{byte(padding)}, padding)) {
		return nil, errors.New("invalid PKCS#7 padding")
	}

	return plain[:len(plain)-padding], nil
}
