package sshmux

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/crypto/ssh"
)

// DefaultHostKeyBits is the size of generated RSA host keys.
const DefaultHostKeyBits = 4096

// NewRSAPrivateKey generates a new RSA private key of the specified bit size.
//
// It validates the generated key for correctness before returning.
//
// Parameters:
//   - bitSize: The number of bits for the RSA key (e.g., 2048, 4096).
//
// Returns:
//   - *rsa.PrivateKey: The generated RSA private key.
//   - error: If key generation or validation fails.
func NewRSAPrivateKey(bitSize int) (*rsa.PrivateKey, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		return nil, err
	}
	if err := privateKey.Validate(); err != nil {
		return nil, err
	}
	return privateKey, nil
}

// RSAPrivateKeyPEM encodes an RSA private key as a PKCS#1 PEM block.
func RSAPrivateKeyPEM(privateKey *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
}

// LoadOrGenerateHostKey reads the PEM host key at path. If the file does not
// exist, a new RSA key of bits size is generated and saved there with mode
// 0600.
//
// Parameters:
//   - path: Where the host key lives.
//   - bits: Key size used when a key has to be generated.
//
// Returns:
//   - ssh.Signer: The host key, ready for ssh.ServerConfig.AddHostKey.
//   - error: If reading, generating, saving or parsing the key fails.
func LoadOrGenerateHostKey(path string, bits int) (ssh.Signer, error) {
	privateBytes, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		privateKey, err := NewRSAPrivateKey(bits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate host key: %w", err)
		}
		privateBytes = RSAPrivateKeyPEM(privateKey)
		if err := os.WriteFile(path, privateBytes, 0600); err != nil {
			return nil, fmt.Errorf("failed to save generated host key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(privateBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key: %w", err)
	}
	return signer, nil
}
