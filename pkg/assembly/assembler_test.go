package assembly

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/stretchr/testify/require"
)

type collector struct {
	lk   sync.Mutex
	done []Complete[string]
}

func (c *collector) deliver(m Complete[string]) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.done = append(c.done, m)
}

func (c *collector) get() []Complete[string] {
	c.lk.Lock()
	defer c.lk.Unlock()
	return append([]Complete[string](nil), c.done...)
}

func newTestAssembler(t *testing.T, opts ...Option) (*Assembler[string], *collector) {
	t.Helper()
	col := &collector{}
	opts = append([]Option{
		WithLog(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)
	a, err := New(col.deliver, opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, col
}

func TestAssembler_WithoutParts(t *testing.T) {
	a, col := newTestAssembler(t)
	require.NoError(t, a.Message("m1", "body", nil))
	require.Len(t, col.get(), 1)
	require.Zero(t, a.Pending())
}

func TestAssembler_WaitsForEveryPart(t *testing.T) {
	a, col := newTestAssembler(t)

	a.Part("early", []byte{1})
	require.NoError(t, a.Message("m1", "body", []string{"early", "late1", "late2"}))
	require.Empty(t, col.get())
	require.Equal(t, 1, a.Pending())

	a.Part("late1", []byte{2})
	require.Empty(t, col.get())
	a.Part("late2", []byte{3})

	done := col.get()
	require.Len(t, done, 1)
	require.Equal(t, "m1", done[0].ID)
	require.Equal(t, "body", done[0].Value)
	require.Equal(t, map[string][]byte{
		"early": {1},
		"late1": {2},
		"late2": {3},
	}, done[0].Parts)
	require.Zero(t, a.Pending())
}

func TestAssembler_RejectsConflicts(t *testing.T) {
	a, _ := newTestAssembler(t)
	require.NoError(t, a.Message("m1", "body", []string{"p1"}))
	require.ErrorIs(t, a.Message("m1", "body", []string{"p2"}), errdefs.ErrInvalidRequest)
	require.ErrorIs(t, a.Message("m2", "body", []string{"p1"}), errdefs.ErrInvalidRequest)
	require.ErrorIs(t, a.Message("m3", "body", []string{"p3", "p3"}), errdefs.ErrInvalidRequest)
	require.Equal(t, 1, a.Pending())
}

func TestAssembler_SweepDropsStaleMessages(t *testing.T) {
	clk := clock.NewMock()
	sink := metrics.NewInmemSink(time.Minute, 5*time.Minute)
	a, col := newTestAssembler(t,
		WithClock(clk),
		WithTimeout(30*time.Second),
		WithCleanupInterval(10*time.Second),
		WithMetricSink(sink),
	)

	require.NoError(t, a.Message("old", "body", []string{"p1"}))
	clk.Add(25 * time.Second)
	require.NoError(t, a.Message("young", "body", []string{"p2"}))
	require.Equal(t, 2, a.Pending())

	clk.Add(10 * time.Second)
	require.Eventually(t, func() bool {
		return a.Pending() == 1
	}, time.Second, 10*time.Millisecond)

	// The part of a dropped message is now an orphan.
	a.Part("p1", []byte{1})
	require.Empty(t, col.get())

	a.Part("p2", []byte{2})
	require.Len(t, col.get(), 1)
	require.Equal(t, "young", col.get()[0].ID)

	require.Equal(t, 0, a.Sweep(), "nothing left to drop")
}

func TestAssembler_Close(t *testing.T) {
	a, col := newTestAssembler(t)
	require.NoError(t, a.Message("m1", "body", []string{"p1"}))
	a.Close()
	a.Close()

	require.ErrorIs(t, a.Message("m2", "body", nil), ErrClosed)
	a.Part("p1", nil)
	require.Empty(t, col.get())
}
