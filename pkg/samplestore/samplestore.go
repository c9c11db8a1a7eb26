/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package samplestore stores binary samples encrypted at rest. Files are
// framed as salt(16) || iv(16) || AES-256-CBC(PKCS7(plaintext)) with the key
// derived from the shared service token via PBKDF2-HMAC-SHA256.
package samplestore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"

	sharederrors "github.com/jordigilh/gimc/pkg/shared/errors"
)

const (
	saltSize      = 16
	ivSize        = 16
	keySize       = 32
	kdfIterations = 100000
)

// Digests carries every hash computed over a sample's plaintext.
type Digests struct {
	MD5    string
	SHA1   string
	SHA224 string
	SHA256 string
	SHA384 string
	SHA512 string
}

// Store is the encrypted blob store rooted at a data directory.
type Store struct {
	dataPath   string
	passphrase []byte
	logger     *zap.Logger
}

// New creates a store rooted at dataPath. The passphrase is the service's
// shared bearer token.
func New(dataPath, passphrase string, logger *zap.Logger) *Store {
	return &Store{
		dataPath:   dataPath,
		passphrase: []byte(passphrase),
		logger:     logger,
	}
}

// Path returns the on-disk location for a sample, sharded by hash prefix.
func (s *Store) Path(sha256sum string) string {
	return filepath.Join(s.dataPath, sha256sum[0:2], sha256sum[0:4], sha256sum)
}

// Put streams the plaintext once, computing all six digests while buffering,
// then writes the encrypted frame to its sharded path. Re-uploading the same
// plaintext rewrites the same path with a fresh salt and IV; the content
// round-trips identically so last-writer-wins is safe.
func (s *Store) Put(r io.Reader) (Digests, string, error) {
	hashes := []hash.Hash{
		md5.New(), sha1.New(), sha256.New224(), sha256.New(), sha512.New384(), sha512.New(),
	}
	writers := make([]io.Writer, 0, len(hashes)+1)
	for _, h := range hashes {
		writers = append(writers, h)
	}
	var plaintext bytes.Buffer
	writers = append(writers, &plaintext)

	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		return Digests{}, "", sharederrors.FailedTo("read sample", err)
	}

	digests := Digests{
		MD5:    hex.EncodeToString(hashes[0].Sum(nil)),
		SHA1:   hex.EncodeToString(hashes[1].Sum(nil)),
		SHA224: hex.EncodeToString(hashes[2].Sum(nil)),
		SHA256: hex.EncodeToString(hashes[3].Sum(nil)),
		SHA384: hex.EncodeToString(hashes[4].Sum(nil)),
		SHA512: hex.EncodeToString(hashes[5].Sum(nil)),
	}

	encrypted, err := Encrypt(plaintext.Bytes(), s.passphrase)
	if err != nil {
		return Digests{}, "", err
	}

	fullpath := s.Path(digests.SHA256)
	if err := os.MkdirAll(filepath.Dir(fullpath), 0o750); err != nil {
		return Digests{}, "", sharederrors.FailedTo("create sample directory", err)
	}
	if err := os.WriteFile(fullpath, encrypted, 0o640); err != nil {
		return Digests{}, "", sharederrors.FailedTo("write sample", err)
	}

	s.logger.Info("sample stored",
		zap.String("sha256", digests.SHA256),
		zap.Int("plaintext_bytes", plaintext.Len()))
	return digests, fullpath, nil
}

// Open returns the encrypted frame exactly as stored. Analysis VMs receive
// these bytes verbatim and decrypt on their side.
func (s *Store) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, sharederrors.FailedTo("open sample", err)
	}
	return f, nil
}

// Get reads and decrypts a stored sample.
func (s *Store) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sharederrors.FailedTo("read sample", err)
	}
	return Decrypt(data, s.passphrase)
}

// DeriveKey runs the fixed KDF: PBKDF2-HMAC-SHA256, 100000 iterations,
// 32-byte key.
func DeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, kdfIterations, keySize, sha256.New)
}

// Encrypt produces the salt || iv || ciphertext frame.
func Encrypt(plaintext, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	block, err := aes.NewCipher(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, saltSize+ivSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt reverses Encrypt.
func Decrypt(frame, passphrase []byte) ([]byte, error) {
	if len(frame) < saltSize+ivSize+aes.BlockSize {
		return nil, fmt.Errorf("encrypted frame too short: %d bytes", len(frame))
	}
	salt := frame[:saltSize]
	iv := frame[saltSize : saltSize+ivSize]
	ciphertext := frame[saltSize+ivSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not block aligned", len(ciphertext))
	}

	block, err := aes.NewCipher(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
