// Package keystore manages the vault master key in the OS credential store.
// The key never touches the filesystem: if the keystore is unreachable the
// application refuses to start.
package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/zalando/go-keyring"

	"github.com/openchime/openchime/internal/config"
	"github.com/openchime/openchime/internal/errs"
	"github.com/openchime/openchime/internal/obs"
)

// MasterKeySize is the size of the vault master key in bytes (256 bits).
const MasterKeySize = 32

var log = obs.Pkg("keystore")

// LoadOrCreateMasterKey returns the 32-byte master key from the OS credential
// store, minting and storing a fresh one on first run.
//
// A missing entry is the only condition that triggers minting; any other
// keystore failure is keystore_unavailable and fatal to the caller. There is
// no file fallback.
func LoadOrCreateMasterKey() ([]byte, error) {
	encoded, err := keyring.Get(config.KeystoreService, config.KeystoreEntry)
	if err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(encoded)
		if decodeErr != nil || len(key) != MasterKeySize {
			return nil, errs.New(errs.KeystoreUnavailable, "the stored master key is corrupt")
		}
		return key, nil
	}

	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, errs.Wrap(errs.KeystoreUnavailable, "the OS credential store could not be reached", err)
	}

	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errs.Wrap(errs.KeystoreUnavailable, "could not generate a master key", err)
	}

	if err := keyring.Set(config.KeystoreService, config.KeystoreEntry, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, errs.Wrap(errs.KeystoreUnavailable, "could not store the master key in the OS credential store", err)
	}

	log.Info("minted new master key", "service", config.KeystoreService)
	return key, nil
}

// DeleteMasterKey removes the master key from the OS credential store.
// Exposed for uninstall flows and tests; losing the key makes every stored
// credential unreadable.
func DeleteMasterKey() error {
	err := keyring.Delete(config.KeystoreService, config.KeystoreEntry)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return errs.Wrap(errs.KeystoreUnavailable, "could not remove the master key", err)
	}
	return nil
}
