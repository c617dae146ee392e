// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package management

import (
	"bufio"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// hashToken derives a comparison hash from a token string: PBKDF2-HMAC-SHA1
// over a fixed salt, so neither the loaded file nor a command's token field
// needs to be compared in the clear.
func hashToken(token string) []byte {
	const salt = "s2p-management-token"
	return pbkdf2.Key([]byte(token), []byte(salt), 75000, 32, sha1.New)
}

// Authenticator compares a command's token field against an optional
// access-token file loaded at startup. A nil Authenticator (no token file
// configured) accepts every command.
type Authenticator struct {
	hash []byte
}

// LoadAuthenticator reads the first non-blank line of path as the access
// token. The file is expected to be root-owned and mode 0600; this function
// only refuses to proceed if it cannot be read or holds no non-blank line,
// mirroring the wire
// protocol's own responsibility to read the token, not to enforce
// filesystem permissions.
func LoadAuthenticator(path string) (*Authenticator, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("management: open token file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		return &Authenticator{hash: hashToken(line)}, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("management: read token file: %w", err)
	}
	return nil, fmt.Errorf("management: token file %s is empty", path)
}

// Check reports whether token authenticates successfully. Commands with an
// empty token field are rejected whenever an Authenticator is configured;
// a nil Authenticator accepts every token.
func (a *Authenticator) Check(token string) bool {
	if a == nil {
		return true
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare(a.hash, hashToken(token)) == 1
}
