// Package certgen generates self-signed X.509 certificates and RSA private keys
// for muxd's TLS listeners.
//
// It is meant for development and tests: production deployments should load a
// certificate issued by a real CA with h2.LoadTLSConfig.
//
// Typical usage:
//
//	err := certgen.GenerateCert("cert.pem", "key.pem", "localhost")
//	if err != nil {
//	    log.Fatalf("Failed to generate cert: %v", err)
//	}
package certgen

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// DefaultValidity is how long a generated certificate stays valid.
const DefaultValidity = 365 * 24 * time.Hour

// Generate creates a self-signed certificate and a 2048-bit RSA private key,
// both PEM encoded. hosts may contain DNS names and IP addresses; when empty,
// "localhost" and 127.0.0.1 are used.
//
// Returns:
//   - certPEM: the PEM-encoded certificate.
//   - keyPEM: the PEM-encoded PKCS#1 private key.
//   - err: if key or certificate generation fails.
func Generate(hosts ...string) (certPEM, keyPEM []byte, err error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}

	// Generate private key
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	// Generate serial number
	serialNumber, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"muxd"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(DefaultValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return certPEM, keyPEM, nil
}

// KeyPair generates a self-signed certificate and returns it ready for use in
// a tls.Config.
func KeyPair(hosts ...string) (tls.Certificate, error) {
	certPEM, keyPEM, err := Generate(hosts...)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

// GenerateCert writes a self-signed certificate and its private key to
// certFile and keyFile in PEM format. If both files already exist, it returns
// early without overwriting them.
//
// Args:
//
//	certFile: Path to the certificate file to create or check.
//	keyFile:  Path to the private key file to create or check.
//	hosts:    DNS names and IP addresses the certificate is valid for.
//
// Returns:
//
//	An error if certificate or key generation fails, or if writing to disk fails.
func GenerateCert(certFile, keyFile string, hosts ...string) error {
	// Return early if both cert and key files exist
	if fileExists(certFile) && fileExists(keyFile) {
		return nil
	}

	certPEM, keyPEM, err := Generate(hosts...)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// fileExists reports whether the named file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
