package h2

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"golang.org/x/net/http2"
)

// KeyLogEnv names the environment variable that, when set, makes
// NewTLSConfig append TLS session secrets to that file (NSS key log format,
// understood by Wireshark).
const KeyLogEnv = "SSLKEYLOGFILE"

// LoadTLSConfig loads a PEM certificate and key from disk and returns a server
// TLS config that negotiates HTTP/2.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate or key: %w", err)
	}
	return NewTLSConfig(cert)
}

// NewTLSConfig returns a server TLS config for cert with ALPN "h2" and TLS 1.2
// as the minimum version.
func NewTLSConfig(cert tls.Certificate) (*tls.Config, error) {
	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{http2.NextProtoTLS},
		MinVersion:   tls.VersionTLS12,
	}
	if path := os.Getenv(KeyLogEnv); path != "" {
		w, err := openKeyLog(path)
		if err != nil {
			return nil, err
		}
		conf.KeyLogWriter = w
	}
	return conf, nil
}

func openKeyLog(path string) (io.Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open key log %s: %w", path, err)
	}
	return f, nil
}
