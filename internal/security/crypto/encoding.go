// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEncoding indicates a stored value that is not valid base64.
var ErrInvalidEncoding = errors.New("invalid base64 encoding")

// EncodeBase64 encodes b with standard padded base64.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes a value written by EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEncoding, err)
	}
	return b, nil
}

// SealString encrypts plaintext and returns "base64(iv):base64(ciphertext)".
func SealString(p Provider, plaintext, key []byte) (string, error) {
	iv, ct, err := p.Seal(plaintext, key)
	if err != nil {
		return "", err
	}
	return EncodeBase64(iv) + ":" + EncodeBase64(ct), nil
}

// OpenString reverses SealString.
func OpenString(p Provider, sealed string, key []byte) ([]byte, error) {
	ivPart, ctPart, ok := strings.Cut(sealed, ":")
	if !ok {
		return nil, failure("open", ErrInvalidEncoding)
	}
	iv, err := DecodeBase64(ivPart)
	if err != nil {
		return nil, failure("open", err)
	}
	ct, err := DecodeBase64(ctPart)
	if err != nil {
		return nil, failure("open", err)
	}
	return p.Open(iv, ct, key)
}
