package sshmux

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultServerVersion is the SSH version banner sent to clients.
const DefaultServerVersion = "SSH-2.0-muxd_1.0"

// DefaultHandshakeTimeout bounds the SSH key exchange and authentication.
const DefaultHandshakeTimeout = 10 * time.Second

var errInvalidCredentials = errors.New("sshmux: invalid credentials")

// Authenticator checks a username and password. *usermgmt.UserDB implements
// it.
type Authenticator interface {
	Authenticate(username, password string) bool
}

// Config holds the transport settings of a Listener.
type Config struct {
	// HostKey signs the key exchange. If nil, HostKeyPath is loaded, or
	// generated when it does not exist yet.
	HostKey     ssh.Signer
	HostKeyPath string

	// Auth validates password logins. Nil disables client authentication.
	Auth Authenticator

	// ServerVersion defaults to DefaultServerVersion.
	ServerVersion string

	// Banner, if set, is shown to clients before authentication.
	Banner string

	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ServerVersion == "" {
		c.ServerVersion = DefaultServerVersion
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "sshmux")
	return c
}

// ServerConfig builds the x/crypto/ssh server configuration.
//
// Returns:
//   - *ssh.ServerConfig: The configured SSH server settings.
//   - error: If no host key is available or it cannot be loaded.
func (c Config) ServerConfig() (*ssh.ServerConfig, error) {
	c = c.withDefaults()

	hostKey := c.HostKey
	if hostKey == nil {
		if c.HostKeyPath == "" {
			return nil, errors.New("sshmux: no host key configured")
		}
		var err error
		hostKey, err = LoadOrGenerateHostKey(c.HostKeyPath, DefaultHostKeyBits)
		if err != nil {
			return nil, err
		}
	}

	conf := &ssh.ServerConfig{
		ServerVersion: c.ServerVersion,
	}
	if c.Auth == nil {
		conf.NoClientAuth = true
	} else {
		conf.PasswordCallback = passwordCallback(c.Auth, c.Logger)
	}
	if c.Banner != "" {
		banner := c.Banner
		conf.BannerCallback = func(ssh.ConnMetadata) string { return banner }
	}
	conf.AddHostKey(hostKey)
	return conf, nil
}

func passwordCallback(auth Authenticator, log *slog.Logger) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
		if !auth.Authenticate(meta.User(), string(password)) {
			log.Warn("failed login attempt", "user", meta.User(), "peer", meta.RemoteAddr().String())
			return nil, fmt.Errorf("%w for user %q", errInvalidCredentials, meta.User())
		}
		log.Debug("successful login", "user", meta.User(), "peer", meta.RemoteAddr().String())
		return &ssh.Permissions{Extensions: map[string]string{userExtension: meta.User()}}, nil
	}
}

// userExtension carries the authenticated user name into the session.
const userExtension = "muxd-user"
