package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/dgfacade/internal/model"
)

func TestNew_LoadsInitialSnapshot(t *testing.T) {
	r, err := New(StaticSource{Configs: []model.HandlerConfig{
		{OwnerUserID: "alice", RequestType: "echo", HandlerClass: "builtin.echo", TTLMinutes: 5},
	}}, 60)
	require.NoError(t, err)

	cfg, ok := r.FindHandler("alice", "echo")
	require.True(t, ok)
	assert.Equal(t, "builtin.echo", cfg.HandlerClass)
	assert.Equal(t, 5, cfg.TTLMinutes)
}

func TestReload_ClampsTTLToMax(t *testing.T) {
	r, err := New(StaticSource{Configs: []model.HandlerConfig{
		{OwnerUserID: "alice", RequestType: "echo", HandlerClass: "builtin.echo", TTLMinutes: 120},
	}}, 60)
	require.NoError(t, err)

	cfg, ok := r.FindHandler("alice", "echo")
	require.True(t, ok)
	assert.Equal(t, 60, cfg.TTLMinutes)
}

func TestReload_DefaultsNonPositiveTTL(t *testing.T) {
	r, err := New(StaticSource{Configs: []model.HandlerConfig{
		{OwnerUserID: "alice", RequestType: "echo", HandlerClass: "builtin.echo", TTLMinutes: 0},
	}}, 60)
	require.NoError(t, err)

	cfg, ok := r.FindHandler("alice", "echo")
	require.True(t, ok)
	assert.Equal(t, 1, cfg.TTLMinutes)
}

func TestReload_RejectsDuplicateBinding(t *testing.T) {
	r, err := New(StaticSource{Configs: []model.HandlerConfig{
		{OwnerUserID: "alice", RequestType: "echo", HandlerClass: "builtin.echo"},
	}}, 60)
	require.NoError(t, err)

	r.source = StaticSource{Configs: []model.HandlerConfig{
		{OwnerUserID: "alice", RequestType: "echo", HandlerClass: "builtin.echo"},
		{OwnerUserID: "alice", RequestType: "echo", HandlerClass: "builtin.sleep"},
	}}
	err = r.Reload()
	assert.Error(t, err)
}

func TestFindHandler_UnknownKeyReturnsFalse(t *testing.T) {
	r, err := New(StaticSource{}, 60)
	require.NoError(t, err)

	_, ok := r.FindHandler("nobody", "nothing")
	assert.False(t, ok)
}

func TestGetAllRequestTypes(t *testing.T) {
	r, err := New(StaticSource{Configs: []model.HandlerConfig{
		{OwnerUserID: "alice", RequestType: "echo", HandlerClass: "builtin.echo"},
		{OwnerUserID: "bob", RequestType: "sleep", HandlerClass: "builtin.sleep"},
	}}, 60)
	require.NoError(t, err)

	types := r.GetAllRequestTypes()
	assert.Len(t, types, 2)
	_, hasEcho := types["echo"]
	_, hasSleep := types["sleep"]
	assert.True(t, hasEcho)
	assert.True(t, hasSleep)
}

type failingSource struct{}

func (failingSource) Load() ([]model.HandlerConfig, error) { return nil, errors.New("boom") }

func TestNew_PropagatesSourceError(t *testing.T) {
	_, err := New(failingSource{}, 60)
	assert.Error(t, err)
}

func TestFileSource_LoadsBindingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.json")
	body := `[{"owner_user_id":"alice","request_type":"echo","handler_class":"builtin.echo","ttl_minutes":5}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	r, err := New(FileSource{Path: path}, 60)
	require.NoError(t, err)

	cfg, ok := r.FindHandler("alice", "echo")
	require.True(t, ok)
	assert.Equal(t, "builtin.echo", cfg.HandlerClass)
}

func TestFileSource_MissingFileLoadsEmpty(t *testing.T) {
	r, err := New(FileSource{Path: filepath.Join(t.TempDir(), "missing.json")}, 60)
	require.NoError(t, err)

	_, ok := r.FindHandler("alice", "echo")
	assert.False(t, ok)
}

func TestFileSource_EmptyPathLoadsEmpty(t *testing.T) {
	r, err := New(FileSource{}, 60)
	require.NoError(t, err)

	_, ok := r.FindHandler("alice", "echo")
	assert.False(t, ok)
}

func TestFileSource_MalformedJSONReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := New(FileSource{Path: path}, 60)
	assert.Error(t, err)
}
