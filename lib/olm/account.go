// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"fmt"
	"sync"

	"maunium.net/go/mautrix/crypto/goolm/account"
)

// IdentityKeys are the public halves of an account's long-term keys,
// in the form published in a Matrix device_keys upload.
type IdentityKeys struct {
	Curve25519 string `json:"curve25519"`
	Ed25519    string `json:"ed25519"`
}

// Account is a device's long-term key material. Safe for concurrent
// use: inbound handshakes on different goroutines may consume one-time
// keys from the same account.
type Account struct {
	mu       sync.Mutex
	inner    *account.Account
	identity IdentityKeys
	curve    Curve25519PublicKey
}

// NewAccount generates fresh identity and signing keys. The one-time
// key pool starts empty.
func NewAccount() (*Account, error) {
	inner, err := account.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("olm: creating account: %w", err)
	}
	return wrapAccount(inner)
}

// UnpickleAccount restores an account from [Account.Pickle] output.
func UnpickleAccount(pickled, key []byte) (*Account, error) {
	inner := &account.Account{}
	if err := inner.Unpickle(pickled, key); err != nil {
		return nil, fmt.Errorf("olm: unpickling account: %w", err)
	}
	return wrapAccount(inner)
}

func wrapAccount(inner *account.Account) (*Account, error) {
	signing, identity, err := inner.IdentityKeys()
	if err != nil {
		return nil, fmt.Errorf("olm: reading identity keys: %w", err)
	}
	curve, err := ParseCurve25519PublicKey(identity.String())
	if err != nil {
		return nil, fmt.Errorf("olm: reading identity keys: %w", err)
	}
	return &Account{
		inner: inner,
		curve: curve,
		identity: IdentityKeys{
			Curve25519: identity.String(),
			Ed25519:    signing.String(),
		},
	}, nil
}

// IdentityKeys returns the account's public identity keys.
func (a *Account) IdentityKeys() IdentityKeys { return a.identity }

// Curve25519Key returns the account's Curve25519 identity public key.
func (a *Account) Curve25519Key() Curve25519PublicKey { return a.curve }

// Sign returns the unpadded base64 Ed25519 signature of message.
func (a *Account) Sign(message []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	signature, err := a.inner.Sign(message)
	if err != nil {
		return "", fmt.Errorf("olm: signing: %w", err)
	}
	return string(signature), nil
}

// MaxOneTimeKeys bounds the one-time key pool. Generating past the
// limit discards the oldest keys, published or not.
func (a *Account) MaxOneTimeKeys() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.inner.MaxNumberOfOneTimeKeys())
}

// GenerateOneTimeKeys adds count fresh unpublished one-time keys.
func (a *Account) GenerateOneTimeKeys(count int) error {
	if count < 0 {
		return fmt.Errorf("olm: negative one-time key count %d", count)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.inner.GenOneTimeKeys(uint(count)); err != nil {
		return fmt.Errorf("olm: generating one-time keys: %w", err)
	}
	return nil
}

// OneTimeKeys returns the unpublished one-time keys, keyed by their
// key id.
func (a *Account) OneTimeKeys() (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys, err := a.inner.OneTimeKeys()
	if err != nil {
		return nil, fmt.Errorf("olm: listing one-time keys: %w", err)
	}
	out := make(map[string]string, len(keys))
	for keyID, key := range keys {
		out[keyID] = key.String()
	}
	return out, nil
}

// MarkKeysAsPublished flags every current one-time key as uploaded so
// OneTimeKeys stops returning it.
func (a *Account) MarkKeysAsPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inner.MarkKeysAsPublished()
}

// Pickle returns the account encrypted under key in the libolm pickle
// format.
func (a *Account) Pickle(key []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pickled, err := a.inner.Pickle(key)
	if err != nil {
		return nil, fmt.Errorf("olm: pickling account: %w", err)
	}
	return pickled, nil
}
