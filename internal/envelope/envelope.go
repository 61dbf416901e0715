// Package envelope implements the authenticated-encryption codec (component
// C2) that both the vault snapshot and the journal lines are written
// through. Key derivation is two-stage: scrypt(passphrase, salt) produces a
// master key, then HKDF-SHA256 with an "info" string separates that master
// key into independent vault and ledger record keys, so a compromised
// vault key can never decrypt a journal record or vice versa.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/lmv-io/lmv/internal/canon"
)

func canonicalBytes(v any) ([]byte, error) {
	return canon.JSON(v)
}

// Info identifies which key-separation domain a record belongs to.
type Info string

const (
	InfoVault  Info = "vault"
	InfoLedger Info = "ledger"
)

const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltSize     = 16
	nonceSize    = 12
)

// KDF describes the scrypt parameters recorded in an envelope and in the
// metadata file. It carries no key material.
type KDF struct {
	Name   string `json:"name"`
	N      int    `json:"N"`
	R      int    `json:"r"`
	P      int    `json:"p"`
	KeyLen int    `json:"keylen"`
	SaltB64 string `json:"salt_b64"`
}

// HKDFParams records the key-separation info tag.
type HKDFParams struct {
	Name string `json:"name"`
	Info Info   `json:"info"`
}

// AEADParams records the algorithm and the per-record nonce/tag/AAD, all base64.
type AEADParams struct {
	Alg    string `json:"alg"`
	IVB64  string `json:"iv_b64"`
	TagB64 string `json:"tag_b64"`
	AADB64 string `json:"aad_b64"`
}

// Envelope is the on-disk wire format: one JSON object per §3 "Envelope".
type Envelope struct {
	V          int        `json:"v"`
	KDF        KDF        `json:"kdf"`
	HKDF       HKDFParams `json:"hkdf"`
	AEAD       AEADParams `json:"aead"`
	Ciphertext string     `json:"ciphertext_b64"`
}

// CorruptionError wraps any failure while decoding or authenticating an
// envelope. Callers treat it as the "corruption" kind in the error taxonomy.
type CorruptionError struct {
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope: corruption (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("envelope: corruption (%s)", e.Reason)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func corrupt(reason string, err error) error {
	return &CorruptionError{Reason: reason, Err: err}
}

// deriveRecordKey runs scrypt(passphrase, salt) to get a 32-byte master key,
// then HKDF-SHA256(master, salt=nil, info) to get the 32-byte record key.
func deriveRecordKey(passphrase string, salt []byte, info Info) ([]byte, error) {
	master, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("envelope: scrypt: %w", err)
	}
	recordKey, err := hkdf.Key(sha256.New, master, nil, string(info), scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("envelope: hkdf: %w", err)
	}
	return recordKey, nil
}

// Encrypt canonicalizes aadContext, JSON-marshals payload, and AES-256-GCM
// seals it under a key derived from passphrase with a fresh salt and nonce.
func Encrypt(passphrase string, info Info, payload any, aadContext any) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("envelope: generating salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: generating nonce: %w", err)
	}

	key, err := deriveRecordKey(passphrase, salt, info)
	if err != nil {
		return nil, err
	}

	aadBytes, err := canonicalBytes(aadContext)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize aad: %w", err)
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// Seal appends the tag to the ciphertext; split it back out so the wire
	// format stores tag and ciphertext as separate fields.
	sealed := gcm.Seal(nil, nonce, plaintext, aadBytes)
	tagStart := len(sealed) - gcm.Overhead()
	ct, tag := sealed[:tagStart], sealed[tagStart:]

	return &Envelope{
		V: 1,
		KDF: KDF{
			Name: "scrypt", N: scryptN, R: scryptR, P: scryptP, KeyLen: scryptKeyLen,
			SaltB64: base64.StdEncoding.EncodeToString(salt),
		},
		HKDF: HKDFParams{Name: "hkdf-sha256", Info: info},
		AEAD: AEADParams{
			Alg:    "aes-256-gcm",
			IVB64:  base64.StdEncoding.EncodeToString(nonce),
			TagB64: base64.StdEncoding.EncodeToString(tag),
			AADB64: base64.StdEncoding.EncodeToString(aadBytes),
		},
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Decrypt validates expectedInfo, derives the record key, and authenticates
// and decrypts the envelope. On success it returns the decoded payload (as
// json.RawMessage) and the AAD bytes that were bound at encryption time. Any
// malformed field, wrong info, or AEAD failure returns a *CorruptionError.
func Decrypt(passphrase string, expectedInfo Info, env *Envelope) (payload json.RawMessage, aadBytes []byte, err error) {
	if env.HKDF.Info != expectedInfo {
		return nil, nil, corrupt("info mismatch", fmt.Errorf("expected %q got %q", expectedInfo, env.HKDF.Info))
	}
	if env.AEAD.Alg != "aes-256-gcm" {
		return nil, nil, corrupt("unsupported aead alg", fmt.Errorf("%q", env.AEAD.Alg))
	}

	salt, err := base64.StdEncoding.DecodeString(env.KDF.SaltB64)
	if err != nil {
		return nil, nil, corrupt("bad salt encoding", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.AEAD.IVB64)
	if err != nil {
		return nil, nil, corrupt("bad iv encoding", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AEAD.TagB64)
	if err != nil {
		return nil, nil, corrupt("bad tag encoding", err)
	}
	aad, err := base64.StdEncoding.DecodeString(env.AEAD.AADB64)
	if err != nil {
		return nil, nil, corrupt("bad aad encoding", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, nil, corrupt("bad ciphertext encoding", err)
	}

	key, err := deriveRecordKey(passphrase, salt, expectedInfo)
	if err != nil {
		return nil, nil, corrupt("key derivation failed", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, corrupt("cipher setup failed", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, nil, corrupt("bad nonce length", nil)
	}

	sealed := append(append([]byte{}, ct...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, nil, corrupt("aead authentication failed", err)
	}

	var raw json.RawMessage
	if err := json.Unmarshal(plaintext, &raw); err != nil {
		return nil, nil, corrupt("plaintext is not valid JSON", err)
	}

	return raw, aad, nil
}

// VerifyAAD re-derives the AAD context bytes from the decrypted payload's
// own fields (caller-supplied) and compares them byte-for-byte in canonical
// form against the AAD bound at encryption. Any mismatch is corruption —
// this prevents a correctly-decrypted record from a different slot being
// substituted into this one.
func VerifyAAD(boundAAD []byte, rederivedContext any) error {
	rederived, err := canonicalBytes(rederivedContext)
	if err != nil {
		return corrupt("re-deriving aad failed", err)
	}
	boundCanonical, err := canonicalBytes(json.RawMessage(boundAAD))
	if err != nil {
		return corrupt("canonicalizing bound aad failed", err)
	}
	if subtle.ConstantTimeCompare(boundCanonical, rederived) != 1 {
		return corrupt("aad mismatch", nil)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: gcm: %w", err)
	}
	return gcm, nil
}
