package usermgmt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ErrPasswordMismatch is returned when a password and its confirmation differ.
var ErrPasswordMismatch = errors.New("usermgmt: passwords do not match")

// Manager drives the user database from the command line.
type Manager struct {
	db  *UserDB
	in  *bufio.Reader
	out io.Writer
}

// NewManager opens the user database at dbPath. Prompts are written to out
// and answers read from in.
func NewManager(dbPath string, in io.Reader, out io.Writer) (*Manager, error) {
	db, err := NewUserDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, in: bufio.NewReader(in), out: out}, nil
}

// UserDB returns the underlying database, for use as an authenticator.
func (um *Manager) UserDB() *UserDB {
	return um.db
}

func (um *Manager) prompt(label string) (string, error) {
	fmt.Fprint(um.out, label)
	line, err := um.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptPassword asks for a password twice.
func (um *Manager) promptPassword(label string) (string, error) {
	password, err := um.prompt("Enter " + label + ": ")
	if err != nil {
		return "", err
	}
	confirm, err := um.prompt("Confirm " + label + ": ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", ErrPasswordMismatch
	}
	return password, nil
}

// AddUser adds username. An empty password is prompted for.
func (um *Manager) AddUser(username, password string) error {
	if password == "" {
		var err error
		if password, err = um.promptPassword("password"); err != nil {
			return err
		}
	}
	return um.db.AddUser(username, password)
}

// ChangePassword sets a new password for username, prompting for it.
func (um *Manager) ChangePassword(username string) error {
	if _, err := um.db.GetUserInfo(username); err != nil {
		return err
	}
	password, err := um.promptPassword("new password")
	if err != nil {
		return err
	}
	return um.db.UpdatePassword(username, password)
}

// RemoveUser removes a user account.
func (um *Manager) RemoveUser(username string) error {
	return um.db.RemoveUser(username)
}

// EnableUser enables a user account.
func (um *Manager) EnableUser(username string) error {
	return um.db.EnableUser(username)
}

// DisableUser disables a user account.
func (um *Manager) DisableUser(username string) error {
	return um.db.DisableUser(username)
}

// BackupUsers creates a backup of the user database.
func (um *Manager) BackupUsers(backupPath string) error {
	return um.db.BackupDB(backupPath)
}

// ListUsers writes a table of all users.
func (um *Manager) ListUsers() {
	users := um.db.ListUsers()
	if len(users) == 0 {
		fmt.Fprintln(um.out, "No users found.")
		return
	}

	fmt.Fprintf(um.out, "%-20s %-10s %-20s %-20s\n", "Username", "Status", "Created", "Last login")
	fmt.Fprintln(um.out, strings.Repeat("-", 72))

	for _, username := range users {
		user, err := um.db.GetUserInfo(username)
		if err != nil {
			fmt.Fprintf(um.out, "%-20s ERROR: %v\n", username, err)
			continue
		}

		status := "Enabled"
		if !user.Enabled {
			status = "Disabled"
		}
		lastLogin := "never"
		if user.LastLogin != nil {
			lastLogin = user.LastLogin.Format("2006-01-02 15:04:05")
		}

		fmt.Fprintf(um.out, "%-20s %-10s %-20s %-20s\n",
			user.Username,
			status,
			user.CreatedAt.Format("2006-01-02 15:04:05"),
			lastLogin,
		)
	}
}

// CreateDefaultUserFromEnv creates the user named by MUXD_DEFAULT_USER with
// the password in MUXD_DEFAULT_PASSWORD when both are set and the user does
// not exist yet.
func (um *Manager) CreateDefaultUserFromEnv(log *slog.Logger) error {
	defaultUser := os.Getenv("MUXD_DEFAULT_USER")
	defaultPassword := os.Getenv("MUXD_DEFAULT_PASSWORD")
	if defaultUser == "" || defaultPassword == "" {
		return nil
	}

	if _, err := um.db.GetUserInfo(defaultUser); err == nil {
		log.Debug("default user already exists", "user", defaultUser)
		return nil
	}

	if err := um.db.AddUser(defaultUser, defaultPassword); err != nil {
		return fmt.Errorf("failed to create default user %q: %w", defaultUser, err)
	}
	log.Info("created default user from environment", "user", defaultUser)
	return nil
}
