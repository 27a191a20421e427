package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestUserService_ResolveUserFromApiKey(t *testing.T) {
	dir := t.TempDir()
	usersFile := writeFile(t, dir, "users", "alice:pw:true:admin\nbob:pw2:false:user\n")
	keysFile := writeFile(t, dir, "keys", "key-alice:alice\nkey-bob:bob\n")

	svc, err := New(Config{UsersFile: usersFile, APIKeysFile: keysFile})
	require.NoError(t, err)

	userID, ok := svc.ResolveUserFromApiKey("key-alice")
	require.True(t, ok)
	assert.Equal(t, "alice", userID)
}

func TestUserService_ResolveUserFromApiKey_DisabledUserRejected(t *testing.T) {
	dir := t.TempDir()
	usersFile := writeFile(t, dir, "users", "bob:pw2:false:user\n")
	keysFile := writeFile(t, dir, "keys", "key-bob:bob\n")

	svc, err := New(Config{UsersFile: usersFile, APIKeysFile: keysFile})
	require.NoError(t, err)

	_, ok := svc.ResolveUserFromApiKey("key-bob")
	assert.False(t, ok)
}

func TestUserService_ResolveUserFromApiKey_UnknownKeyRejected(t *testing.T) {
	dir := t.TempDir()
	usersFile := writeFile(t, dir, "users", "alice:pw:true:admin\n")
	keysFile := writeFile(t, dir, "keys", "key-alice:alice\n")

	svc, err := New(Config{UsersFile: usersFile, APIKeysFile: keysFile})
	require.NoError(t, err)

	_, ok := svc.ResolveUserFromApiKey("not-a-key")
	assert.False(t, ok)
}

func TestUserService_Authenticate(t *testing.T) {
	dir := t.TempDir()
	usersFile := writeFile(t, dir, "users", "alice:correct-password:true:admin\n")
	keysFile := writeFile(t, dir, "keys", "")

	svc, err := New(Config{UsersFile: usersFile, APIKeysFile: keysFile})
	require.NoError(t, err)

	_, ok := svc.Authenticate("alice", "wrong-password")
	assert.False(t, ok)

	info, ok := svc.Authenticate("alice", "correct-password")
	require.True(t, ok)
	assert.Equal(t, "alice", info.Username)
}

func TestUserService_Reload_PicksUpFileChanges(t *testing.T) {
	dir := t.TempDir()
	usersFile := writeFile(t, dir, "users", "alice:pw:true:admin\n")
	keysFile := writeFile(t, dir, "keys", "key-alice:alice\n")

	svc, err := New(Config{UsersFile: usersFile, APIKeysFile: keysFile})
	require.NoError(t, err)

	_, ok := svc.ResolveUserFromApiKey("key-carol")
	assert.False(t, ok)

	writeFile(t, dir, "users", "alice:pw:true:admin\ncarol:pw:true:user\n")
	writeFile(t, dir, "keys", "key-alice:alice\nkey-carol:carol\n")
	require.NoError(t, svc.Reload())

	userID, ok := svc.ResolveUserFromApiKey("key-carol")
	require.True(t, ok)
	assert.Equal(t, "carol", userID)
}

func TestNoOpHasher_Matches(t *testing.T) {
	h := NoOpHasher{}
	assert.True(t, h.Matches("secret", "secret"))
	assert.False(t, h.Matches("secret", "other"))
}

func TestUserService_MissingFiles_YieldsEmptySnapshot(t *testing.T) {
	svc, err := New(Config{UsersFile: "", APIKeysFile: ""})
	require.NoError(t, err)

	_, ok := svc.ResolveUserFromApiKey("anything")
	assert.False(t, ok)
}
