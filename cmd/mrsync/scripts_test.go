package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/mrsync/internal/config"
	"github.com/cory-johannsen/mrsync/internal/protocol"
)

func TestScriptHosts_ProcedureDrivesActor(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paint.lua"), []byte(`
procedures = {}
function procedures.paint(user, id, color)
  engine.set_actor(id, {color = color, painted_by = user})
end
`), 0o600))

	c, r, conn := activeSession(t)
	_, err := c.CreateActor("cube", map[string]any{"color": "red"})
	require.NoError(t, err)

	hosts := newScriptHosts(config.ScriptingConfig{Dir: dir})
	require.NoError(t, hosts.attach(c, r))

	deliverCall(t, conn, "alice", "paint", "cube", "blue")
	cube, ok := c.Actor("cube")
	require.True(t, ok)
	assert.Equal(t, "blue", cube.State()["color"])
	assert.Equal(t, "alice", cube.State()["painted_by"])

	conn.Reset()
	require.Equal(t, 1, c.Tick())
	require.Len(t, conn.SentOfType(protocol.TypeUpdate), 1)

	c.Destroy()
	require.Eventually(t, func() bool {
		hosts.mu.Lock()
		defer hosts.mu.Unlock()
		return len(hosts.hosts) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestScriptHosts_MissingDir(t *testing.T) {
	c, r, _ := activeSession(t)
	hosts := newScriptHosts(config.ScriptingConfig{Dir: filepath.Join(t.TempDir(), "none")})
	assert.Error(t, hosts.attach(c, r))
}
