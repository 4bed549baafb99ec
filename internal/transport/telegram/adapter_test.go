package telegram

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"dealbot/internal/transport"
	"dealbot/pkg/logx"
)

func TestClassifyFloodError(t *testing.T) {
	t.Parallel()
	err := classify(tele.FloodError{
		RetryAfter: 30,
	})
	require.False(t, err.Permanent, "flood waits are transient")
	require.False(t, err.Blocked)
	require.Equal(t, 30*time.Second, err.RetryAfter)
	require.Equal(t, 30*time.Second, transport.RetryAfterHint(err))
}

func TestClassifyBlockedFamily(t *testing.T) {
	t.Parallel()
	for _, src := range []error{
		tele.ErrBlockedByUser,
		tele.ErrUserIsDeactivated,
		tele.ErrNotStartedByUser,
		tele.ErrChatNotFound,
		tele.ErrKickedFromGroup,
		tele.ErrKickedFromSuperGroup,
		tele.ErrKickedFromChannel,
	} {
		err := classify(src)
		require.True(t, err.Permanent, "%v", src)
		require.True(t, err.Blocked, "%v", src)
		require.True(t, transport.IsBlocked(err))
	}
}

func TestClassifyTooLongMessageIsPermanentNotBlocked(t *testing.T) {
	t.Parallel()
	err := classify(tele.ErrTooLongMessage)
	require.True(t, err.Permanent)
	require.False(t, err.Blocked, "an oversized payload says nothing about the chat")
}

func TestClassifyUnknownErrorIsTransient(t *testing.T) {
	t.Parallel()
	err := classify(errors.New("connection reset"))
	require.False(t, err.Permanent)
	require.False(t, err.Blocked)
	require.Zero(t, err.RetryAfter)
	require.False(t, transport.IsPermanent(err))
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	require.Error(t, err)
}
