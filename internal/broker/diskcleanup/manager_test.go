package diskcleanup

import (
	"context"
	"sync"
	"testing"
	"time"

	errors "github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/require"
)

// fakeUsage serves capacity numbers from memory.
type fakeUsage struct {
	mu     sync.Mutex
	total  int64
	usable int64
	err    error
}

func (f *fakeUsage) Usage(string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, f.usable, f.err
}

func (f *fakeUsage) setUsable(usable int64) {
	f.mu.Lock()
	f.usable = usable
	f.mu.Unlock()
}

// fakeSweeper records sweep invocations and optionally frees space on the
// paired fakeUsage.
type fakeSweeper struct {
	mu     sync.Mutex
	calls  int
	freeTo int64
	usage  *fakeUsage

	// block, when set, holds the sweep until released
	block chan struct{}
}

func (f *fakeSweeper) MakeSpace(ctx context.Context, root string, goalUsable int64, minAge time.Duration) error {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.usage != nil && f.freeTo > 0 {
		f.usage.setUsable(f.freeTo)
	}
	return nil
}

func (f *fakeSweeper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// newTestManager wires a manager over fake capacity with trigger 20 and
// target 10 on a 1000-byte device: soft limit 800, cleanup target 900.
func newTestManager(t *testing.T, usable int64, sweeper Sweeper) (*Manager, *fakeUsage) {
	t.Helper()

	usage := &fakeUsage{total: 1000, usable: usable}
	m, err := New(t.TempDir(), Config{
		TriggerPercent: 20,
		TargetPercent:  10,
		MinReserve:     50,
	}, WithUsage(usage), WithSweeper(sweeper))
	require.NoError(t, err)

	return m, usage
}

func TestNewRejectsBadPercents(t *testing.T) {
	t.Parallel()

	_, err := New(t.TempDir(), Config{TriggerPercent: 120, TargetPercent: 10})
	require.Error(t, err)

	_, err = New("", Config{})
	require.Error(t, err)
}

func TestSpaceRequestPlentyOfSpace(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{}
	m, _ := newTestManager(t, 950, sweeper)

	granted, err := m.HandleSpaceRequest(context.Background(), 100, true)
	require.NoError(t, err)
	require.True(t, granted)
	require.Zero(t, sweeper.callCount())
}

func TestSpaceRequestCrossesSoftLimit(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{}
	m, _ := newTestManager(t, 850, sweeper)

	// 850-100 = 750 is below the 800 soft limit but well above the
	// reserve: grant now, clean up in the background
	granted, err := m.HandleSpaceRequest(context.Background(), 100, true)
	require.NoError(t, err)
	require.True(t, granted)

	require.Eventually(t, func() bool {
		return sweeper.callCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSpaceRequestWaitsForCleanup(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{freeTo: 900}
	m, usage := newTestManager(t, 100, sweeper)
	sweeper.usage = usage

	granted, err := m.HandleSpaceRequest(context.Background(), 200, true)
	require.NoError(t, err)
	require.True(t, granted)
	require.Equal(t, 1, sweeper.callCount())
}

func TestSpaceRequestDeniedWhenCleanupNotEnough(t *testing.T) {
	t.Parallel()

	// the sweep frees nothing
	sweeper := &fakeSweeper{}
	m, _ := newTestManager(t, 100, sweeper)

	granted, err := m.HandleSpaceRequest(context.Background(), 200, true)
	require.NoError(t, err)
	require.False(t, granted)
	require.Equal(t, 1, sweeper.callCount())
}

func TestSpaceRequestDeniedWithoutWaiting(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{freeTo: 900}
	m, usage := newTestManager(t, 100, sweeper)
	sweeper.usage = usage

	// waiting would have helped, but the caller forbade it
	granted, err := m.HandleSpaceRequest(context.Background(), 200, false)
	require.NoError(t, err)
	require.False(t, granted)

	// the cleanup still runs in the background
	require.Eventually(t, func() bool {
		return sweeper.callCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSpaceRequestNeverFits(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{}
	m, _ := newTestManager(t, 1000, sweeper)

	// 940 bytes would leave 60, above the 50 reserve, but even a cleanup
	// down to target utilization cannot hold the file plus the reserve:
	// deny without sweeping
	granted, err := m.HandleSpaceRequest(context.Background(), 940, true)
	require.NoError(t, err)
	require.False(t, granted)
	require.Zero(t, sweeper.callCount())
}

func TestSpaceRequestUsageError(t *testing.T) {
	t.Parallel()

	usage := &fakeUsage{err: errors.New("statfs failed")}
	m, err := New(t.TempDir(), Config{TriggerPercent: 20, TargetPercent: 10},
		WithUsage(usage), WithSweeper(&fakeSweeper{}))
	require.NoError(t, err)

	_, err = m.HandleSpaceRequest(context.Background(), 100, true)
	require.Error(t, err)
}

func TestConcurrentCleanupsCoalesce(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{block: make(chan struct{})}
	m, _ := newTestManager(t, 100, sweeper)

	// start the blocked sweep, then pile waiters onto it
	m.ScheduleCleanup(10)
	require.Eventually(t, func() bool {
		return sweeper.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.CleanupAndWait(context.Background(), 10)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(sweeper.block)
	wg.Wait()

	// all five waiters joined the single in-flight sweep
	require.Equal(t, 1, sweeper.callCount())
}

func TestCleanupAndWaitHonorsContext(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{block: make(chan struct{})}
	m, _ := newTestManager(t, 100, sweeper)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	m.CleanupAndWait(ctx, 10)
	require.Less(t, time.Since(start), time.Second)

	close(sweeper.block)
}
