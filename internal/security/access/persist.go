// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-auth/internal/security/crypto"
	"github.com/jeranaias/rigrun-auth/internal/storage"
)

// =============================================================================
// PERSISTENCE
// =============================================================================

const (
	// DefaultStateKey is the store key for persisted guard state.
	DefaultStateKey = "security:lockout"

	stateVersion   = "1"
	persistTimeout = 5 * time.Second
	signatureSize  = sha256.Size
)

// ErrStateTampered is returned when persisted state fails its HMAC check.
var ErrStateTampered = errors.New("lockout state integrity check failed")

// persistentState is the signed JSON document written to the store.
type persistentState struct {
	Attempts map[string]*AttemptRecord `json:"attempts"`
	SavedAt  time.Time                 `json:"saved_at"`
	Version  string                    `json:"version"`
}

type persistence struct {
	store        storage.Store
	stateKey     string
	crypto       crypto.Provider
	integrityKey []byte
}

func (p *persistence) keyName() string {
	return p.stateKey + ".key"
}

// init loads the HMAC key from the store, generating it on first use.
func (p *persistence) init(ctx context.Context) error {
	if p.stateKey == "" {
		p.stateKey = DefaultStateKey
	}
	if p.crypto == nil {
		p.crypto = crypto.Default()
	}

	encoded, err := p.store.Get(ctx, p.keyName())
	if err == nil {
		key, decodeErr := crypto.DecodeBase64(encoded)
		if decodeErr == nil && len(key) == crypto.KeySize {
			p.integrityKey = key
			return nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	key, err := p.crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		return err
	}
	if err := p.store.Set(ctx, p.keyName(), crypto.EncodeBase64(key)); err != nil {
		return fmt.Errorf("failed to save integrity key: %w", err)
	}
	p.integrityKey = key

	// A fresh key cannot verify state signed by an older one.
	if err := p.store.Delete(ctx, p.stateKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func (p *persistence) sign(data []byte) ([]byte, error) {
	return p.crypto.Sign(data, p.integrityKey)
}

// load returns nil attempts when nothing has been saved yet.
func (p *persistence) load(ctx context.Context) (map[string]*AttemptRecord, error) {
	encoded, err := p.store.Get(ctx, p.stateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	payload, err := crypto.DecodeBase64(encoded)
	if err != nil || len(payload) < signatureSize {
		return nil, ErrStateTampered
	}

	data := payload[:len(payload)-signatureSize]
	sig := payload[len(payload)-signatureSize:]
	want, err := p.sign(data)
	if err != nil {
		return nil, err
	}
	if !crypto.Equal(sig, want) {
		return nil, ErrStateTampered
	}

	var state persistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateTampered, err)
	}
	if state.Attempts == nil {
		state.Attempts = make(map[string]*AttemptRecord)
	}
	return state.Attempts, nil
}

func (p *persistence) save(ctx context.Context, attempts map[string]*AttemptRecord) error {
	data, err := json.Marshal(persistentState{
		Attempts: attempts,
		SavedAt:  time.Now().UTC(),
		Version:  stateVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal lockout state: %w", err)
	}

	sig, err := p.sign(data)
	if err != nil {
		return err
	}
	payload := append(data, sig...)
	return p.store.Set(ctx, p.stateKey, crypto.EncodeBase64(payload))
}
