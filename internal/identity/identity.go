// This file is part of mutinyd, a peer-to-peer application messaging daemon.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identity loads or generates the daemon's long-lived ed25519
// keypair, the same one the swarm uses to derive its libp2p peer id.
package identity

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/bfix/gospel/logger"
	"github.com/libp2p/go-libp2p/core/crypto"
)

// LoadOrGenerate reads the protobuf-encoded private key at path, or
// generates a new ed25519 key and writes it there (mode 0600) if no file
// exists yet.
func LoadOrGenerate(path string) (crypto.PrivKey, error) {
	logger.Printf(logger.INFO, "[mutinyd] reading identity %s", path)
	encoded, err := os.ReadFile(path)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("identity: decode %s: %w", path, err)
		}
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	logger.Printf(logger.INFO, "[mutinyd] generating new identity at %s", path)
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	encoded, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: encode key: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("identity: write %s: %w", path, err)
	}
	return priv, nil
}
