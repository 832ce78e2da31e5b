package app

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportdesk/server/console/realtime"
	"supportdesk/server/console/transcript"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestShellCommands(t *testing.T) {
	c, _, _ := newConsole(t, &gateway{})
	var out syncBuffer
	sh := NewShell(c, &out)
	ctx := context.Background()

	assert.ErrorIs(t, sh.Exec(ctx, "list"), ErrNoCredentials)
	require.NoError(t, c.Login(ctx, "grace@example.com", "secret"))

	require.NoError(t, sh.Exec(ctx, "list waiting"))
	assert.Contains(t, out.String(), "1 chats, 1 waiting, 0 active")
	assert.Contains(t, out.String(), "s1")

	require.NoError(t, sh.Exec(ctx, "assign s1"))
	assert.Contains(t, out.String(), "chat s1 [active]")

	assert.ErrorIs(t, sh.Exec(ctx, "say    "), transcript.ErrBlankMessage)
	assert.ErrorIs(t, sh.Exec(ctx, "say hello"), realtime.ErrNotConnected)

	require.NoError(t, sh.Exec(ctx, "status"))
	assert.Contains(t, out.String(), "presence: active")
	require.NoError(t, sh.Exec(ctx, "away"))
	assert.Equal(t, "idle", string(c.Tracker().Status()))

	assert.Error(t, sh.Exec(ctx, "frobnicate"))
	assert.ErrorIs(t, sh.Exec(ctx, "quit"), errQuit)

	require.NoError(t, sh.Exec(ctx, "logout"))
	assert.False(t, c.SignedIn())
}

func TestShellRunStopsAtQuit(t *testing.T) {
	c, _, _ := newConsole(t, &gateway{})
	var out syncBuffer
	sh := NewShell(c, &out)

	err := sh.Run(context.Background(), strings.NewReader("help\nquit\nstatus\n"))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "assign <sessionId>")
	assert.NotContains(t, out.String(), "signed out")
}
