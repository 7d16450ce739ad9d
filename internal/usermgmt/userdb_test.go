package usermgmt

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *UserDB {
	t.Helper()
	db, err := NewUserDB(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)
	return db
}

func TestAddAndAuthenticate(t *testing.T) {
	db := newDB(t)
	login := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return login }

	require.NoError(t, db.AddUser("alice", "secret"))
	assert.ErrorIs(t, db.AddUser("alice", "other"), ErrUserExists)
	assert.ErrorIs(t, db.AddUser("", "secret"), ErrEmptyUsername)
	assert.ErrorIs(t, db.AddUser("bob", "abc"), ErrPasswordTooShort)

	assert.True(t, db.Authenticate("alice", "secret"))
	assert.False(t, db.Authenticate("alice", "wrong"))
	assert.False(t, db.Authenticate("nobody", "secret"))

	info, err := db.GetUserInfo("alice")
	require.NoError(t, err)
	assert.Empty(t, info.PasswordHash)
	require.NotNil(t, info.LastLogin)
	assert.Equal(t, login, *info.LastLogin)
}

func TestDisabledUserCannotAuthenticate(t *testing.T) {
	db := newDB(t)
	require.NoError(t, db.AddUser("alice", "secret"))

	require.NoError(t, db.DisableUser("alice"))
	assert.False(t, db.Authenticate("alice", "secret"))

	require.NoError(t, db.EnableUser("alice"))
	assert.True(t, db.Authenticate("alice", "secret"))

	assert.ErrorIs(t, db.EnableUser("nobody"), ErrUserNotFound)
}

func TestUpdatePasswordAndRemove(t *testing.T) {
	db := newDB(t)
	require.NoError(t, db.AddUser("alice", "secret"))

	require.NoError(t, db.UpdatePassword("alice", "hunter22"))
	assert.False(t, db.Authenticate("alice", "secret"))
	assert.True(t, db.Authenticate("alice", "hunter22"))
	assert.ErrorIs(t, db.UpdatePassword("nobody", "hunter22"), ErrUserNotFound)

	require.NoError(t, db.RemoveUser("alice"))
	assert.ErrorIs(t, db.RemoveUser("alice"), ErrUserNotFound)
	assert.Empty(t, db.ListUsers())
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	db, err := NewUserDB(path)
	require.NoError(t, err)
	require.NoError(t, db.AddUser("carol", "secret"))
	require.NoError(t, db.AddUser("alice", "secret"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reopened, err := NewUserDB(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, reopened.ListUsers())
	assert.True(t, reopened.Authenticate("carol", "secret"))

	backup := filepath.Join(t.TempDir(), "backup.json")
	require.NoError(t, db.BackupDB(backup))
	restored, err := NewUserDB(backup)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, restored.ListUsers())
}

func TestCorruptDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := NewUserDB(path)
	assert.Error(t, err)
}

func TestManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	var out bytes.Buffer
	in := strings.NewReader("secret\nsecret\nnewpass\nnewpass\n")

	um, err := NewManager(path, in, &out)
	require.NoError(t, err)

	require.NoError(t, um.AddUser("alice", ""))
	require.NoError(t, um.ChangePassword("alice"))
	assert.True(t, um.UserDB().Authenticate("alice", "newpass"))
	assert.Contains(t, out.String(), "Confirm new password: ")

	require.NoError(t, um.DisableUser("alice"))
	out.Reset()
	um.ListUsers()
	assert.Contains(t, out.String(), "Disabled")
	assert.Contains(t, out.String(), "alice")

	require.NoError(t, um.RemoveUser("alice"))
	out.Reset()
	um.ListUsers()
	assert.Equal(t, "No users found.\n", out.String())
}

func TestManagerPasswordMismatch(t *testing.T) {
	um, err := NewManager(filepath.Join(t.TempDir(), "users.json"), strings.NewReader("one1\ntwo2\n"), io.Discard)
	require.NoError(t, err)
	assert.ErrorIs(t, um.AddUser("alice", ""), ErrPasswordMismatch)
	assert.ErrorIs(t, um.ChangePassword("nobody"), ErrUserNotFound)
}

func TestCreateDefaultUserFromEnv(t *testing.T) {
	um, err := NewManager(filepath.Join(t.TempDir(), "users.json"), strings.NewReader(""), io.Discard)
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, um.CreateDefaultUserFromEnv(log))
	assert.Empty(t, um.UserDB().ListUsers())

	t.Setenv("MUXD_DEFAULT_USER", "admin")
	t.Setenv("MUXD_DEFAULT_PASSWORD", "changeme")
	require.NoError(t, um.CreateDefaultUserFromEnv(log))
	require.NoError(t, um.CreateDefaultUserFromEnv(log))
	assert.True(t, um.UserDB().Authenticate("admin", "changeme"))
}
