// Package security implements the User/ApiKey Service (spec §4.3): resolving
// an opaque api_key to an enabled user, reloadable at runtime from flat
// users/api-keys files, plus a JWT bearer-token path layered alongside it.
package security

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/dgfacade/dgfacade/internal/model"
)

// PasswordHasher compares a candidate password against a stored one.
//
// The reference users file stores cleartext passwords and this service
// compares them by constant-time equality, preserving the source system's
// observable behavior per spec §9 ("Cleartext passwords"). A production
// deployment should supply a PasswordHasher backed by a real algorithm
// (bcrypt/argon2) instead of NoOpHasher.
type PasswordHasher interface {
	Matches(candidate, stored string) bool
}

// NoOpHasher compares passwords by constant-time equality with no hashing.
type NoOpHasher struct{}

func (NoOpHasher) Matches(candidate, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(stored)) == 1
}

type userSnapshot struct {
	byUsername map[string]model.UserInfo
	byAPIKey   map[string]string // api_key -> username
}

// UserService resolves api keys and usernames to UserInfo, and can be
// reloaded atomically at runtime without blocking readers.
type UserService struct {
	snapshot     atomic.Pointer[userSnapshot]
	usersFile    string
	apiKeysFile  string
	hasher       PasswordHasher
}

// Config controls where the service reads its backing files from.
type Config struct {
	UsersFile   string
	APIKeysFile string
	Hasher      PasswordHasher
}

// New constructs a UserService and performs an initial load.
func New(cfg Config) (*UserService, error) {
	if cfg.Hasher == nil {
		cfg.Hasher = NoOpHasher{}
	}
	s := &UserService{
		usersFile:   cfg.UsersFile,
		apiKeysFile: cfg.APIKeysFile,
		hasher:      cfg.Hasher,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload atomically replaces the in-memory snapshot from the backing files.
// Readers observe either the pre-reload or post-reload snapshot, never a
// partial state (spec §4.2/§5).
func (s *UserService) Reload() error {
	users, err := loadUsersFile(s.usersFile)
	if err != nil {
		return fmt.Errorf("load users file: %w", err)
	}
	keys, err := loadAPIKeysFile(s.apiKeysFile)
	if err != nil {
		return fmt.Errorf("load api keys file: %w", err)
	}
	s.snapshot.Store(&userSnapshot{byUsername: users, byAPIKey: keys})
	return nil
}

// ResolveUserFromApiKey returns the user_id bound to key, or ("", false) if
// the key is unknown or maps to a disabled user. Keys are looked up by
// constant-time comparison against every configured key to avoid leaking
// key validity through map-lookup timing.
func (s *UserService) ResolveUserFromApiKey(key string) (string, bool) {
	snap := s.snapshot.Load()
	if snap == nil || key == "" {
		return "", false
	}
	var matchedUser string
	var matched bool
	for candidate, username := range snap.byAPIKey {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			matchedUser = username
			matched = true
		}
	}
	if !matched {
		return "", false
	}
	info, ok := snap.byUsername[matchedUser]
	if !ok || !info.Enabled {
		return "", false
	}
	return matchedUser, true
}

// GetUserByUsername returns the UserInfo for name, if present.
func (s *UserService) GetUserByUsername(name string) (model.UserInfo, bool) {
	snap := s.snapshot.Load()
	if snap == nil {
		return model.UserInfo{}, false
	}
	info, ok := snap.byUsername[name]
	return info, ok
}

// Authenticate checks a username/password pair against the hasher, honoring
// the enabled flag. Used by the (optional) login path that mints JWTs.
func (s *UserService) Authenticate(username, password string) (model.UserInfo, bool) {
	info, ok := s.GetUserByUsername(username)
	if !ok || !info.Enabled {
		return model.UserInfo{}, false
	}
	if !s.hasher.Matches(password, info.Password) {
		return model.UserInfo{}, false
	}
	return info, true
}

// loadUsersFile reads "username:password:enabled:role1,role2" lines.
func loadUsersFile(path string) (map[string]model.UserInfo, error) {
	result := make(map[string]model.UserInfo)
	if path == "" {
		return result, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 4 {
			continue
		}
		username, password, enabledStr := parts[0], parts[1], parts[2]
		roles := strings.Split(parts[3], ",")
		result[username] = model.UserInfo{
			Username: username,
			Password: password,
			Enabled:  enabledStr == "true" || enabledStr == "1",
			Roles:    roles,
		}
	}
	return result, scanner.Err()
}

// loadAPIKeysFile reads "api_key:username" lines.
func loadAPIKeysFile(path string) (map[string]string, error) {
	result := make(map[string]string)
	if path == "" {
		return result, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		result[parts[0]] = parts[1]
	}
	return result, scanner.Err()
}
