// Package vault provides authenticated encryption for credential columns.
// The AEAD key is derived from the OS-keystore master key using HKDF-SHA256
// with a fixed info string for domain separation.
//
// Ciphertext-at-rest format: base64( nonce(12) || ciphertext || tag(16) ).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/openchime/openchime/internal/errs"
)

const (
	// KeySize is the size of the AEAD key in bytes (256 bits)
	KeySize = 32

	// NonceSize is the size of the AES-GCM nonce in bytes (96 bits)
	NonceSize = 12

	// TagSize is the size of the GCM authentication tag in bytes (128 bits)
	TagSize = 16

	// derivationInfo separates the credential key from any future keys
	// derived from the same master key. Bump the version suffix together
	// with the accounts.encryption_version value.
	derivationInfo = "openchime:credentials:v1"
)

// Vault encrypts and decrypts credential values. It is cheap to construct
// and safe for concurrent use; the only state is the derived key, held in a
// wipeable buffer.
type Vault struct {
	key *Secret
}

// New derives the credential key from the master key and returns a Vault.
// The master key must be MasterKeySize bytes from the keystore; it is not
// retained.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != KeySize {
		return nil, errs.New(errs.KeystoreUnavailable, fmt.Sprintf("master key must be %d bytes, got %d", KeySize, len(masterKey)))
	}

	hkdfReader := hkdf.New(sha256.New, masterKey, nil, []byte(derivationInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		// HKDF cannot fail to produce 32 bytes for valid inputs.
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}

	return &Vault{key: NewSecret(key)}, nil
}

// Close wipes the derived key. The vault must not be used afterwards.
func (v *Vault) Close() {
	v.key.Destroy()
}

// Encrypt encrypts plaintext and returns the textual at-rest form.
// A fresh random nonce is drawn for every call; the plaintext buffer is
// zeroed before returning.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	defer wipe(plaintext)

	gcm, err := v.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", errs.Wrap(errs.Internal, "could not generate a nonce", err)
	}

	// Output: nonce (12) || ciphertext || tag (16)
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	framed := make([]byte, len(nonce)+len(sealed))
	copy(framed, nonce)
	copy(framed[len(nonce):], sealed)

	return base64.StdEncoding.EncodeToString(framed), nil
}

// EncryptString encrypts a string credential. The intermediate byte copy is
// zeroed; the caller still owns the original string.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	return v.Encrypt([]byte(plaintext))
}

// Decrypt decodes and decrypts a stored credential. Any tamper, wrong-key,
// or format problem yields decryption_failed; the caller cannot distinguish
// them, which is deliberate. The plaintext comes back in a wipeable Secret.
func (v *Vault) Decrypt(ciphertext string) (*Secret, error) {
	framed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, errs.New(errs.DecryptionFailed, "stored credential is not valid ciphertext")
	}
	if len(framed) < NonceSize+TagSize {
		return nil, errs.New(errs.DecryptionFailed, "stored credential is truncated")
	}

	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}

	nonce := framed[:NonceSize]
	sealed := framed[NonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errs.New(errs.DecryptionFailed, "stored credential failed authentication")
	}

	return NewSecret(plaintext), nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key.Bytes())
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "could not initialize the cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "could not initialize GCM", err)
	}
	return gcm, nil
}
