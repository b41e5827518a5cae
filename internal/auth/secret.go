package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// LoadOrCreateSecret reads the hex secret stored at path, generating and
// persisting a fresh 24-byte secret when the file does not exist yet.
func LoadOrCreateSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(raw))
		if secret == "" {
			return nil, fmt.Errorf("secret key file %s is empty", path)
		}
		return []byte(secret), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read secret key: %w", err)
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create secret key dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return nil, fmt.Errorf("write secret key: %w", err)
	}
	return []byte(secret), nil
}

// DeriveKey expands the process secret into a 32-byte key bound to purpose,
// so independent uses of the secret never share key material.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, secret, nil, []byte("reposcout/"+purpose))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}
