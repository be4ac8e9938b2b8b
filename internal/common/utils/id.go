// Package utils provides utility functions shared across the platform.
//
// This package contains common utilities for ID generation and retry
// logic with exponential backoff used throughout the application.
package utils

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/lucsky/cuid"
)

// NewID generates a collision-resistant identifier for persisted entities.
func NewID() string {
	return cuid.New()
}

// GenerateStateToken generates a cryptographically random, URL-safe token
// for the OAuth handshake CSRF state. The byte length must provide at
// least 128 bits of entropy; 32 bytes are used.
func GenerateStateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
