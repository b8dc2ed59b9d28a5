package syncutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex(0)
	ctx := context.Background()

	var score int
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			unlock, err := m.Lock(gctx, "user_1")
			if err != nil {
				return err
			}
			defer unlock()
			v := score
			time.Sleep(time.Microsecond)
			score = v + 1
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 100, score)
}

func TestKeyedMutex_WaiterGivesUp(t *testing.T) {
	m := NewKeyedMutex(1)

	unlock, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// One shard, so "b" collides with "a".
	_, err = m.Lock(ctx, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	m := NewKeyedMutex(1)
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "k")
	require.NoError(t, err)
	unlock()
	unlock()

	// A second unlock must not have released a slot the next holder owns.
	held, err := m.Lock(ctx, "k")
	require.NoError(t, err)
	defer held()

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = m.Lock(short, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_ShardIndexStable(t *testing.T) {
	m := NewKeyedMutex(8)
	for _, key := range []string{"", "user_1", "user_2", "a-much-longer-user-identifier"} {
		idx := m.shardIdx(key)
		assert.Less(t, idx, uint32(8))
		assert.Equal(t, idx, m.shardIdx(key))
	}
}
