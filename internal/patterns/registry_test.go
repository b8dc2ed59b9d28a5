package patterns

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mbd888/chatshield/internal/logging"
)

func TestRegistry_ReloadSwapsOnSuccess(t *testing.T) {
	path := writePatterns(t, t.TempDir(), testYAML)
	r, err := NewRegistry(path, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "file-1", r.Current().Version())

	swapped := make(chan string, 1)
	r.OnSwap(func(m *Matcher) { swapped <- m.Version() })

	require.NoError(t, os.WriteFile(path, []byte(`version: "file-2"
patterns:
  - id: pay
    category: EXTERNAL_PAYMENT_REQUEST
    keywords: ["gift card"]
    weight: 45
`), 0o600))

	m, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "file-2", m.Version())
	assert.Equal(t, "file-2", r.Current().Version())
	assert.Equal(t, "file-2", <-swapped)
}

func TestRegistry_BadReloadKeepsPreviousSet(t *testing.T) {
	path := writePatterns(t, t.TempDir(), testYAML)
	r, err := NewRegistry(path, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("version: broken\npatterns: []\n"), 0o600))

	_, err = r.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, "file-1", r.Current().Version())
	assert.Len(t, r.Current().Match("send me money"), 1)
}

func TestNewRegistry_RefusesInvalidFile(t *testing.T) {
	path := writePatterns(t, t.TempDir(), "version: v\npatterns:\n  - id: x\n    category: NOPE\n    keywords: [a]\n    weight: 5\n")
	_, err := NewRegistry(path, logging.Discard())
	assert.ErrorIs(t, err, ErrInvalidSet)
}

func TestRegistry_EmbeddedReloadIsNoop(t *testing.T) {
	r, err := NewRegistry("", logging.Discard())
	require.NoError(t, err)
	before := r.Current()

	m, err := r.Reload(context.Background())
	require.NoError(t, err)
	assert.Same(t, before, m)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := writePatterns(t, t.TempDir(), testYAML)
	r, err := NewRegistry(path, logging.Discard())
	require.NoError(t, err)

	w, err := NewWatcher(r, 20*time.Millisecond, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`version: "file-3"
patterns:
  - id: fin
    category: FINANCIAL_PRESSURE
    keywords: ["send me money"]
    weight: 35
`), 0o600))

	assert.Eventually(t, func() bool {
		return r.Current().Version() == "file-3"
	}, 3*time.Second, 10*time.Millisecond)

	w.Stop()
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := writePatterns(t, t.TempDir(), testYAML)
	r, err := NewRegistry(path, logging.Discard())
	require.NoError(t, err)

	w, err := NewWatcher(r, 0, logging.Discard())
	require.NoError(t, err)
	w.Stop()
	w.Stop()
}

func TestNewWatcher_RequiresFile(t *testing.T) {
	r, err := NewRegistry("", logging.Discard())
	require.NoError(t, err)
	_, err = NewWatcher(r, 0, logging.Discard())
	assert.Error(t, err)
}
