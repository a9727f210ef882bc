package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"

	"github.com/rotisserie/eris"
)

// GenerateKey creates a fresh issuer keypair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, eris.Wrap(err, "credential: generate key")
	}
	return pub, priv, nil
}

// LoadOrGenerateKey loads the issuer's private key from path, or generates
// one and writes it with owner-only permissions. The file holds the raw
// 64-byte Ed25519 private key, whose last 32 bytes are the public key.
func LoadOrGenerateKey(path string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, nil, eris.Errorf("credential: invalid key file: expected %d bytes, got %d", ed25519.PrivateKeySize, len(data))
		}
		priv := ed25519.PrivateKey(data)
		return priv.Public().(ed25519.PublicKey), priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, eris.Wrap(err, "credential: read key file")
	}

	pub, priv, err := GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(path, []byte(priv), 0o600); err != nil {
		return nil, nil, eris.Wrap(err, "credential: write key file")
	}
	return pub, priv, nil
}

// EncodePublicKey renders a public key for distribution.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses a key produced by EncodePublicKey.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, eris.Wrap(err, "credential: decode public key")
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, eris.Errorf("credential: invalid public key length: %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}
