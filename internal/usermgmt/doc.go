// Package usermgmt provides the user accounts muxd authenticates SSH sessions
// against.
//
// Features:
//   - Thread-safe user database with persistent storage (JSON file)
//   - Password hashing with bcrypt
//   - Account operations: add, remove, enable, disable, update password
//   - Backup of the user database
//   - Manager, the prompt-driven helpers behind "muxd users"
//
// A *UserDB satisfies sshmux.Authenticator:
//
//	db, err := usermgmt.NewUserDB(path)
//	ln, err := sshmux.Listen(addr, sshmux.Config{Auth: db, HostKeyPath: keyPath})
package usermgmt
