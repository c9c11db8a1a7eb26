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

package samplestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

func TestSampleStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SampleStore Suite")
}

var _ = Describe("SampleStore", func() {
	var (
		tempDir string
		store   *Store
	)

	const passphrase = "shared-sandbox-token"

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "samplestore-test")
		Expect(err).NotTo(HaveOccurred())
		store = New(tempDir, passphrase, zap.NewNop())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Encrypt and Decrypt", func() {
		It("should round-trip arbitrary plaintext", func() {
			plaintext := []byte("MZ\x90\x00 this is a fake PE payload")

			frame, err := Encrypt(plaintext, []byte(passphrase))
			Expect(err).NotTo(HaveOccurred())

			decrypted, err := Decrypt(frame, []byte(passphrase))
			Expect(err).NotTo(HaveOccurred())
			Expect(decrypted).To(Equal(plaintext))
		})

		It("should round-trip an empty payload", func() {
			frame, err := Encrypt([]byte{}, []byte(passphrase))
			Expect(err).NotTo(HaveOccurred())

			decrypted, err := Decrypt(frame, []byte(passphrase))
			Expect(err).NotTo(HaveOccurred())
			Expect(decrypted).To(BeEmpty())
		})

		It("should round-trip block-aligned payloads", func() {
			plaintext := bytes.Repeat([]byte{0x41}, 64)

			frame, err := Encrypt(plaintext, []byte(passphrase))
			Expect(err).NotTo(HaveOccurred())

			decrypted, err := Decrypt(frame, []byte(passphrase))
			Expect(err).NotTo(HaveOccurred())
			Expect(decrypted).To(Equal(plaintext))
		})

		It("should frame output as salt, iv, ciphertext", func() {
			plaintext := []byte("x")
			frame, err := Encrypt(plaintext, []byte(passphrase))
			Expect(err).NotTo(HaveOccurred())

			// 16 salt + 16 iv + one padded block
			Expect(frame).To(HaveLen(16 + 16 + 16))
		})

		It("should produce different frames for the same plaintext", func() {
			plaintext := []byte("deterministic input")

			frame1, err := Encrypt(plaintext, []byte(passphrase))
			Expect(err).NotTo(HaveOccurred())
			frame2, err := Encrypt(plaintext, []byte(passphrase))
			Expect(err).NotTo(HaveOccurred())

			Expect(frame1).NotTo(Equal(frame2), "salt and IV must be random per file")
		})

		It("should fail to decrypt with the wrong passphrase", func() {
			frame, err := Encrypt([]byte("secret"), []byte(passphrase))
			Expect(err).NotTo(HaveOccurred())

			_, err = Decrypt(frame, []byte("wrong-token"))
			Expect(err).To(HaveOccurred())
		})

		It("should reject truncated frames", func() {
			_, err := Decrypt([]byte("too short"), []byte(passphrase))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Put", func() {
		It("should compute all six digests over the plaintext", func() {
			payload := []byte("sample binary contents")
			digests, fullpath, err := store.Put(bytes.NewReader(payload))
			Expect(err).NotTo(HaveOccurred())

			expected := sha256.Sum256(payload)
			Expect(digests.SHA256).To(Equal(hex.EncodeToString(expected[:])))
			Expect(digests.MD5).To(HaveLen(32))
			Expect(digests.SHA1).To(HaveLen(40))
			Expect(digests.SHA224).To(HaveLen(56))
			Expect(digests.SHA384).To(HaveLen(96))
			Expect(digests.SHA512).To(HaveLen(128))
			Expect(fullpath).To(Equal(store.Path(digests.SHA256)))
		})

		It("should shard the path by hash prefix", func() {
			payload := []byte("another payload")
			digests, fullpath, err := store.Put(bytes.NewReader(payload))
			Expect(err).NotTo(HaveOccurred())

			sha := digests.SHA256
			Expect(fullpath).To(Equal(filepath.Join(tempDir, sha[0:2], sha[0:4], sha)))
			Expect(fullpath).To(BeAnExistingFile())
		})

		It("should store content that decrypts back to the plaintext", func() {
			payload := []byte("round trip through disk")
			_, fullpath, err := store.Put(bytes.NewReader(payload))
			Expect(err).NotTo(HaveOccurred())

			decrypted, err := store.Get(fullpath)
			Expect(err).NotTo(HaveOccurred())
			Expect(decrypted).To(Equal(payload))
		})

		It("should overwrite safely when the same plaintext is stored twice", func() {
			payload := []byte("idempotent sample")

			digests1, path1, err := store.Put(bytes.NewReader(payload))
			Expect(err).NotTo(HaveOccurred())
			digests2, path2, err := store.Put(bytes.NewReader(payload))
			Expect(err).NotTo(HaveOccurred())

			Expect(digests1).To(Equal(digests2))
			Expect(path1).To(Equal(path2))

			decrypted, err := store.Get(path2)
			Expect(err).NotTo(HaveOccurred())
			Expect(decrypted).To(Equal(payload))
		})
	})

	Describe("Open", func() {
		It("should return the raw encrypted frame", func() {
			payload := []byte("raw frame check")
			_, fullpath, err := store.Put(bytes.NewReader(payload))
			Expect(err).NotTo(HaveOccurred())

			f, err := store.Open(fullpath)
			Expect(err).NotTo(HaveOccurred())
			defer f.Close()

			var frame bytes.Buffer
			_, err = frame.ReadFrom(f)
			Expect(err).NotTo(HaveOccurred())

			// The frame must not contain the plaintext, and must decrypt to it.
			Expect(bytes.Contains(frame.Bytes(), payload)).To(BeFalse())
			decrypted, err := Decrypt(frame.Bytes(), []byte(passphrase))
			Expect(err).NotTo(HaveOccurred())
			Expect(decrypted).To(Equal(payload))
		})
	})
})
