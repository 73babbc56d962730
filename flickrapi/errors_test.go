package flickrapi

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/codeGROOVE-dev/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPendingQueue(t *testing.T) {
	assert.True(t, isPendingQueue("Photo added to the Pending Queue for this Pool"))
	assert.True(t, isPendingQueue("pending queue"))
	assert.False(t, isPendingQueue("Photo limit reached"))
	assert.False(t, isPendingQueue(""))
}

func TestClassifyPoolError(t *testing.T) {
	tests := []struct {
		msg  string
		kind ErrKind
	}{
		{"Photo limit reached", ErrLimitReached},
		{"You have reached your daily limit for this pool", ErrLimitReached},
		{"Content not allowed in this pool", ErrNotAllowed},
		{"Videos are not allowed here", ErrNotAllowed},
	}
	for _, tt := range tests {
		perr := classifyPoolError("g1", tt.msg)
		require.NotNil(t, perr, "msg %q", tt.msg)
		assert.Equal(t, tt.kind, perr.Kind)
		assert.Equal(t, "g1", perr.GroupID)
	}

	assert.Nil(t, classifyPoolError("g1", "Internal Server Error"))
	assert.Nil(t, classifyPoolError("g1", "timeout talking to flickr"))
}

// Terminal business errors must come back after a single attempt, with
// the PoolError reachable through errors.As.
func TestDoStopsOnUnrecoverable(t *testing.T) {
	c := &Client{logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}

	attempts := 0
	err := c.do(context.Background(), "flickr.groups.pools.add", func() error {
		attempts++
		return retry.Unrecoverable(&PoolError{Kind: ErrLimitReached, GroupID: "g1", Message: "Photo limit reached"})
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	var perr *PoolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ErrLimitReached, perr.Kind)
}

func TestParseHelpers(t *testing.T) {
	assert.True(t, parseFlag("1"))
	assert.False(t, parseFlag("0"))
	assert.False(t, parseFlag(""))
	assert.False(t, parseFlag("yes"))

	assert.Equal(t, 7, parseCount("7", 0))
	assert.Equal(t, 3, parseCount("", 3))
	assert.Equal(t, 3, parseCount("n/a", 3))
}
