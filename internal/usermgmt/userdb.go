package usermgmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password AddUser and UpdatePassword accept.
const MinPasswordLength = 4

var (
	ErrUserExists       = errors.New("usermgmt: user already exists")
	ErrUserNotFound     = errors.New("usermgmt: user does not exist")
	ErrEmptyUsername    = errors.New("usermgmt: username cannot be empty")
	ErrPasswordTooShort = fmt.Errorf("usermgmt: password must be at least %d characters long", MinPasswordLength)
)

// User represents a user account in the system.
type User struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	Enabled      bool       `json:"enabled"`
}

// UserDB manages user accounts with thread-safe operations. It satisfies
// sshmux.Authenticator.
type UserDB struct {
	users    map[string]*User
	filePath string
	mutex    sync.RWMutex
	now      func() time.Time
}

// NewUserDB opens the user database at dbPath, which need not exist yet.
// If dbPath is empty, it uses "users.json" in the current directory.
func NewUserDB(dbPath string) (*UserDB, error) {
	if dbPath == "" {
		dbPath = "users.json"
	}

	db := &UserDB{
		users:    make(map[string]*User),
		filePath: dbPath,
		now:      time.Now,
	}
	if err := db.loadFromFile(); err != nil {
		return nil, fmt.Errorf("failed to load user database %s: %w", dbPath, err)
	}
	return db, nil
}

// Path returns the file backing the database.
func (db *UserDB) Path() string { return db.filePath }

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AddUser creates a new, enabled user account.
func (db *UserDB) AddUser(username, password string) error {
	if username == "" {
		return ErrEmptyUsername
	}
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	if _, exists := db.users[username]; exists {
		return fmt.Errorf("%w: %s", ErrUserExists, username)
	}

	hash, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	db.users[username] = &User{
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    db.now().UTC(),
		Enabled:      true,
	}

	if err := db.saveToFile(); err != nil {
		delete(db.users, username)
		return fmt.Errorf("failed to save user database: %w", err)
	}
	return nil
}

// RemoveUser deletes a user account.
func (db *UserDB) RemoveUser(username string) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	user, exists := db.users[username]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}

	delete(db.users, username)
	if err := db.saveToFile(); err != nil {
		db.users[username] = user
		return fmt.Errorf("failed to save user database: %w", err)
	}
	return nil
}

// UpdatePassword changes a user's password.
func (db *UserDB) UpdatePassword(username, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	hash, err := hashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return db.update(username, func(u *User) { u.PasswordHash = hash })
}

// EnableUser enables a user account.
func (db *UserDB) EnableUser(username string) error {
	return db.update(username, func(u *User) { u.Enabled = true })
}

// DisableUser disables a user account. Disabled users fail Authenticate.
func (db *UserDB) DisableUser(username string) error {
	return db.update(username, func(u *User) { u.Enabled = false })
}

func (db *UserDB) update(username string, fn func(*User)) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	user, exists := db.users[username]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}

	prev := *user
	fn(user)
	if err := db.saveToFile(); err != nil {
		*user = prev
		return fmt.Errorf("failed to save user database: %w", err)
	}
	return nil
}

// Authenticate verifies user credentials and records the login time.
func (db *UserDB) Authenticate(username, password string) bool {
	db.mutex.RLock()
	user, exists := db.users[username]
	var hash string
	if exists && user.Enabled {
		hash = user.PasswordHash
	}
	db.mutex.RUnlock()

	if hash == "" {
		return false
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return false
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()
	// The account may have changed while the hash was compared.
	if user, exists = db.users[username]; !exists || !user.Enabled || user.PasswordHash != hash {
		return false
	}
	now := db.now().UTC()
	user.LastLogin = &now
	// A failed save only loses the login timestamp.
	_ = db.saveToFile()
	return true
}

// ListUsers returns all usernames in sorted order.
func (db *UserDB) ListUsers() []string {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	users := make([]string, 0, len(db.users))
	for username := range db.users {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

// GetUserInfo returns user information without the password hash.
func (db *UserDB) GetUserInfo(username string) (*User, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	user, exists := db.users[username]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}

	return &User{
		Username:  user.Username,
		CreatedAt: user.CreatedAt,
		LastLogin: user.LastLogin,
		Enabled:   user.Enabled,
	}, nil
}

// saveToFile writes the database to a temporary file and renames it into
// place. Callers hold the write lock.
func (db *UserDB) saveToFile() error {
	data, err := json.MarshalIndent(db.users, "", "  ")
	if err != nil {
		return err
	}

	tempFile := db.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tempFile, db.filePath); err != nil {
		os.Remove(tempFile)
		return err
	}
	return nil
}

func (db *UserDB) loadFromFile() error {
	data, err := os.ReadFile(db.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &db.users)
}

// BackupDB copies the database file to backupPath.
func (db *UserDB) BackupDB(backupPath string) error {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	sourceFile, err := os.Open(db.filePath)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		destFile.Close()
		return err
	}
	return destFile.Close()
}
