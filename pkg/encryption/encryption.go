/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package encryption wraps clip bytes into a self-describing encrypted
// envelope. The key is derived from a customer-held secret with Argon2id
// and never leaves the edge process; any holder of the original secret
// can decrypt the envelope without coordinating with the private node.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// envelopeMagic identifies a view-guard encrypted blob, version 1.
	envelopeMagic = "VGE1"

	algAESGCM   = "aes-256-gcm"
	kdfArgon2id = "argon2id"

	saltLength = 32
	keyLength  = 32
)

var (
	ErrSecretUnavailable = errors.New("encryption: tenant secret unavailable")
	ErrNotAnEnvelope     = errors.New("encryption: not an encrypted envelope")
	ErrDecryptFailed     = errors.New("encryption: authentication failed")
)

// Params holds the Argon2id cost parameters recorded in every envelope
// header so decryption re-derives the identical key.
type Params struct {
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultParams returns the recommended Argon2id cost parameters.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024, // KiB
		Iterations:  3,
		Parallelism: 4,
	}
}

// header is the self-describing portion of an envelope: everything a
// secret holder needs to decrypt, and nothing that helps anyone else.
type header struct {
	Algorithm string `json:"alg"`
	KDF       string `json:"kdf"`
	Salt      string `json:"salt"`
	Nonce     string `json:"nonce"`
	Params    Params `json:"params"`
}

// Service performs envelope encryption with a fixed parameter set.
type Service struct {
	params Params
}

// NewService creates an encryption service. Zero params fall back to
// the defaults.
func NewService(params Params) *Service {
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		params = DefaultParams()
	}

	return &Service{params: params}
}

// Encrypt seals plaintext under a key derived from secret. It returns
// the envelope and the hex SHA-256 of the envelope header, which the
// private node stores as encryption metadata without ever seeing key
// material.
func (s *Service) Encrypt(plaintext, secret []byte) (blob []byte, metadataHash string, err error) {
	if len(secret) == 0 {
		return nil, "", ErrSecretUnavailable
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, "", fmt.Errorf("encryption: generate salt: %w", err)
	}

	key := deriveKey(secret, salt, s.params)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, "", fmt.Errorf("encryption: create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", fmt.Errorf("encryption: create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", fmt.Errorf("encryption: generate nonce: %w", err)
	}

	hdr := header{
		Algorithm: algAESGCM,
		KDF:       kdfArgon2id,
		Salt:      hex.EncodeToString(salt),
		Nonce:     hex.EncodeToString(nonce),
		Params:    s.params,
	}

	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, "", fmt.Errorf("encryption: marshal header: %w", err)
	}

	// The header is bound to the ciphertext as GCM additional data so it
	// cannot be swapped without failing authentication.
	ciphertext := gcm.Seal(nil, nonce, plaintext, hdrJSON)

	blob = make([]byte, 0, len(envelopeMagic)+4+len(hdrJSON)+len(ciphertext))
	blob = append(blob, envelopeMagic...)
	blob = binary.BigEndian.AppendUint32(blob, uint32(len(hdrJSON)))
	blob = append(blob, hdrJSON...)
	blob = append(blob, ciphertext...)

	sum := sha256.Sum256(hdrJSON)

	return blob, hex.EncodeToString(sum[:]), nil
}

// Decrypt opens an envelope with the original secret. A wrong secret or
// a tampered envelope fails with ErrDecryptFailed, never silent
// corruption.
func (s *Service) Decrypt(blob, secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrSecretUnavailable
	}

	hdrJSON, ciphertext, err := splitEnvelope(blob)
	if err != nil {
		return nil, err
	}

	var hdr header
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, fmt.Errorf("%w: bad header", ErrNotAnEnvelope)
	}

	if hdr.Algorithm != algAESGCM || hdr.KDF != kdfArgon2id {
		return nil, fmt.Errorf("%w: unsupported algorithm %q/%q", ErrNotAnEnvelope, hdr.Algorithm, hdr.KDF)
	}

	salt, err := hex.DecodeString(hdr.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad salt", ErrNotAnEnvelope)
	}

	nonce, err := hex.DecodeString(hdr.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce", ErrNotAnEnvelope)
	}

	key := deriveKey(secret, salt, hdr.Params)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryption: create GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrNotAnEnvelope)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, hdrJSON)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

// MetadataHash recomputes the metadata hash of an existing envelope.
func MetadataHash(blob []byte) (string, error) {
	hdrJSON, _, err := splitEnvelope(blob)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(hdrJSON)

	return hex.EncodeToString(sum[:]), nil
}

func splitEnvelope(blob []byte) (hdrJSON, ciphertext []byte, err error) {
	if len(blob) < len(envelopeMagic)+4 || string(blob[:len(envelopeMagic)]) != envelopeMagic {
		return nil, nil, ErrNotAnEnvelope
	}

	rest := blob[len(envelopeMagic):]
	hdrLen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	if uint32(len(rest)) < hdrLen {
		return nil, nil, fmt.Errorf("%w: truncated header", ErrNotAnEnvelope)
	}

	return rest[:hdrLen], rest[hdrLen:], nil
}

func deriveKey(secret, salt []byte, params Params) []byte {
	return argon2.IDKey(secret, salt, params.Iterations, params.Memory, params.Parallelism, keyLength)
}
