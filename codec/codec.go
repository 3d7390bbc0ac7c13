// Copyright 2019 Michael J. Fromberger. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec encrypts and authenticates the ciphertext blocks a
// backend stores, the way blob/encrypted wraps an underlying blob.Store:
// encryption is opaque to the storage layer and applied once, at the
// boundary between the engine and the backend.
//
// Unlike blob/encrypted's AES-CTR-plus-snappy wrapper, a backend slot's
// plaintext here is itself already a fixed-size block, so there is
// nothing to gain from compression and every byte written must look
// indistinguishable from random to an observer: the wire layout is a
// detached HMAC-SHA256 tag followed by an AES-CFB stream, with no length
// or framing byte that depends on plaintext content.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

const (
	keySize = 16 // AES-128
	ivSize  = aes.BlockSize
	macSize = sha256.Size
)

// Overhead is the number of bytes a Codec adds to every plaintext block.
const Overhead = macSize + ivSize

// ErrAuthentication is returned by Decrypt when the MAC does not verify.
var ErrAuthentication = errors.New("codec: MAC verification failed")

// A Codec encrypts and authenticates plaintext backend blocks. The same
// derived key is used for both the cipher and the MAC, since the two
// operate over disjoint regions of the ciphertext (the MAC covers the IV
// and ciphertext; the cipher never sees the MAC) and so cannot be
// confused for one another.
type Codec struct {
	key [keySize]byte
}

// New derives a Codec from passphrase. The passphrase is hashed with
// SHA-256 and truncated to the AES-128 key size; this is the one place
// the implementation reaches for the standard library over a third-party
// KDF, since deriving a fixed-size key from an arbitrary passphrase is a
// one-line primitive with no meaningful library surface to wrap.
func New(passphrase []byte) *Codec {
	sum := sha256.Sum256(passphrase)
	var c Codec
	copy(c.key[:], sum[:keySize])
	return &c
}

// Encrypt returns the encrypted, authenticated form of plaintext.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	blk, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("codec: new cipher: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("codec: generate iv: %w", err)
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCFBEncrypter(blk, iv).XORKeyStream(ciphertext, plaintext)

	body := append(append([]byte(nil), iv...), ciphertext...)
	mac := hmac.New(sha256.New, c.key[:])
	mac.Write(body)

	out := make([]byte, 0, macSize+len(body))
	out = append(out, mac.Sum(nil)...)
	out = append(out, body...)
	return out, nil
}

// Decrypt reverses Encrypt, reporting ErrAuthentication if the MAC does
// not match.
func (c *Codec) Decrypt(data []byte) ([]byte, error) {
	if len(data) < Overhead {
		return nil, fmt.Errorf("codec: short ciphertext (%d bytes)", len(data))
	}
	wantMAC, body := data[:macSize], data[macSize:]

	mac := hmac.New(sha256.New, c.key[:])
	mac.Write(body)
	gotMAC := mac.Sum(nil)
	if subtle.ConstantTimeCompare(wantMAC, gotMAC) != 1 {
		return nil, ErrAuthentication
	}

	iv, ciphertext := body[:ivSize], body[ivSize:]
	blk, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("codec: new cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCFBDecrypter(blk, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
