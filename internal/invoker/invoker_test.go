package invoker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/buildqueue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeProcess struct {
	exit    chan struct{}
	once    sync.Once
	exitErr error
	killed  atomic.Bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Wait() error {
	<-p.exit
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.finish(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) finish(err error) {
	p.once.Do(func() {
		p.exitErr = err
		close(p.exit)
	})
}

type fakeSpawner struct {
	proc *fakeProcess
	err  error
	reqs []Request
}

func (s *fakeSpawner) Spawn(req Request) (Process, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return s.proc, nil
}

// scriptedStatus returns each scripted status once, then repeats the last.
type scriptedStatus struct {
	mu       sync.Mutex
	script   []types.BuildStatus
	resets   int
	resetErr error
}

func (s *scriptedStatus) Read() types.BuildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		return types.BuildStatus{Status: types.BuildIdle}
	}
	st := s.script[0]
	if len(s.script) > 1 {
		s.script = s.script[1:]
	}
	return st
}

func (s *scriptedStatus) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return s.resetErr
}

func fastConfig() Config {
	return Config{
		PollInterval: 5 * time.Millisecond,
		Timeout:      2 * time.Second,
		IdleGrace:    0,
		SettleDelay:  5 * time.Millisecond,
	}
}

var req = Request{JobID: "job-c-1", CampaignID: "c", IdeaID: "a"}

// ============================================================================
// Tests
// ============================================================================

func TestBuildCompleteMarker(t *testing.T) {
	proc := newFakeProcess()
	status := &scriptedStatus{script: []types.BuildStatus{
		{Status: "scaffolding", Stage: "scaffold", Progress: 0.2, Title: "App"},
		{Status: "building", Stage: "build", Progress: 0.7},
		{Status: types.BuildComplete, Progress: 1, OutID: "x"},
	}}
	inv := New(fastConfig(), &fakeSpawner{proc: proc}, status)

	var progress []types.BuildStatus
	res := inv.Build(context.Background(), req, func(st types.BuildStatus) {
		progress = append(progress, st)
	})

	require.True(t, res.OK, "unexpected error: %v", res.Err)
	assert.Equal(t, "x", res.ProjectID)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, status.resets, "status must be reset before launch")
	require.Len(t, progress, 3)
	assert.Equal(t, "scaffold", progress[0].Stage)
	assert.False(t, proc.killed.Load(), "successful builds are left alone")
}

func TestBuildErrorMarker(t *testing.T) {
	status := &scriptedStatus{script: []types.BuildStatus{
		{Status: "building"},
		{Status: types.BuildError, Error: "npm install failed"},
	}}
	inv := New(fastConfig(), &fakeSpawner{proc: newFakeProcess()}, status)

	res := inv.Build(context.Background(), req, nil)
	assert.False(t, res.OK)

	var bf *BuildFailureError
	require.ErrorAs(t, res.Err, &bf)
	assert.Equal(t, "a", bf.IdeaID)
	assert.Equal(t, "npm install failed", bf.Error())
}

func TestBuildIdleAfterActive(t *testing.T) {
	tests := []struct {
		name      string
		final     types.BuildStatus
		wantOK    bool
		wantOutID string
	}{
		{"with output", types.BuildStatus{Status: types.BuildIdle, OutID: "p1"}, true, "p1"},
		{"without output", types.BuildStatus{Status: types.BuildIdle}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := &scriptedStatus{script: []types.BuildStatus{
				{Status: "building", Progress: 0.5},
				tt.final,
			}}
			inv := New(fastConfig(), &fakeSpawner{proc: newFakeProcess()}, status)

			res := inv.Build(context.Background(), req, nil)
			assert.Equal(t, tt.wantOK, res.OK)
			assert.Equal(t, tt.wantOutID, res.ProjectID)
			if !tt.wantOK {
				var bf *BuildFailureError
				assert.ErrorAs(t, res.Err, &bf)
			}
		})
	}
}

// A stale idle read before the builder reports anything must not end the build.
func TestBuildStaleIdleIsIgnored(t *testing.T) {
	cfg := fastConfig()
	cfg.Timeout = 60 * time.Millisecond
	proc := newFakeProcess()
	status := &scriptedStatus{script: []types.BuildStatus{{Status: types.BuildIdle, OutID: "stale"}}}
	inv := New(cfg, &fakeSpawner{proc: proc}, status)

	res := inv.Build(context.Background(), req, nil)
	assert.ErrorIs(t, res.Err, ErrBuildTimeout)
}

func TestBuildIdleGraceNotReached(t *testing.T) {
	cfg := fastConfig()
	cfg.IdleGrace = time.Hour
	cfg.Timeout = 60 * time.Millisecond
	status := &scriptedStatus{script: []types.BuildStatus{
		{Status: "building"},
		{Status: types.BuildIdle, OutID: "p1"},
	}}
	inv := New(cfg, &fakeSpawner{proc: newFakeProcess()}, status)

	res := inv.Build(context.Background(), req, nil)
	assert.ErrorIs(t, res.Err, ErrBuildTimeout)
}

func TestBuildProcessExit(t *testing.T) {
	tests := []struct {
		name    string
		status  types.BuildStatus
		exitErr error
		wantOK  bool
		wantMsg string
	}{
		{
			name:   "late output after exit",
			status: types.BuildStatus{Status: types.BuildIdle, OutID: "y"},
			wantOK: true,
		},
		{
			name:    "clean exit without output",
			status:  types.BuildStatus{Status: types.BuildIdle},
			wantMsg: "build process exited without reporting output",
		},
		{
			name:    "exit error without output",
			status:  types.BuildStatus{Status: types.BuildIdle},
			exitErr: errors.New("exit status 1"),
			wantMsg: "build process exited: exit status 1",
		},
		{
			name:    "error marker after exit",
			status:  types.BuildStatus{Status: types.BuildError, Error: "boom"},
			wantMsg: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig()
			// only the exit watcher may settle
			cfg.PollInterval = time.Hour
			proc := newFakeProcess()
			status := &scriptedStatus{script: []types.BuildStatus{tt.status}}
			inv := New(cfg, &fakeSpawner{proc: proc}, status)

			proc.finish(tt.exitErr)
			res := inv.Build(context.Background(), req, nil)

			assert.Equal(t, tt.wantOK, res.OK)
			if tt.wantOK {
				assert.Equal(t, "y", res.ProjectID)
				return
			}
			var bf *BuildFailureError
			require.ErrorAs(t, res.Err, &bf)
			assert.Equal(t, tt.wantMsg, bf.Reason)
		})
	}
}

func TestBuildTimeoutKillsProcessGroup(t *testing.T) {
	cfg := fastConfig()
	cfg.Timeout = 50 * time.Millisecond
	proc := newFakeProcess()
	status := &scriptedStatus{script: []types.BuildStatus{{Status: "building", Progress: 0.1}}}
	inv := New(cfg, &fakeSpawner{proc: proc}, status)

	res := inv.Build(context.Background(), req, nil)

	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrBuildTimeout)
	assert.Equal(t, "timeout", res.Err.Error())
	assert.True(t, proc.killed.Load())
	assert.GreaterOrEqual(t, res.Duration, cfg.Timeout)
}

func TestBuildContextCancel(t *testing.T) {
	proc := newFakeProcess()
	inv := New(fastConfig(), &fakeSpawner{proc: proc}, &scriptedStatus{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := inv.Build(ctx, req, nil)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.True(t, proc.killed.Load())
}

func TestBuildStartFailures(t *testing.T) {
	t.Run("spawn", func(t *testing.T) {
		inv := New(fastConfig(), &fakeSpawner{err: errors.New("no such file")}, &scriptedStatus{})
		res := inv.Build(context.Background(), req, nil)
		var bf *BuildFailureError
		require.ErrorAs(t, res.Err, &bf)
		assert.Contains(t, bf.Reason, "no such file")
	})

	t.Run("reset", func(t *testing.T) {
		spawner := &fakeSpawner{proc: newFakeProcess()}
		inv := New(fastConfig(), spawner, &scriptedStatus{resetErr: errors.New("read-only")})
		res := inv.Build(context.Background(), req, nil)
		var bf *BuildFailureError
		require.ErrorAs(t, res.Err, &bf)
		assert.Empty(t, spawner.reqs, "nothing is spawned when reset fails")
	})
}

func TestResultSlotSettlesOnce(t *testing.T) {
	slot := newResultSlot()
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if slot.Settle(Result{ProjectID: string(rune('a' + i))}) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, slot.Settled())
	first := slot.Result()
	assert.False(t, slot.Settle(Result{ProjectID: "late"}))
	assert.Equal(t, first, slot.Result())
}

func TestConfigDefaults(t *testing.T) {
	inv := New(Config{}, &fakeSpawner{}, &scriptedStatus{})
	cfg := inv.Config()
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Timeout)
}

func TestFileStatus(t *testing.T) {
	fs := FileStatus{Path: filepath.Join(t.TempDir(), "status", "build.json")}

	assert.True(t, fs.Read().IsIdle(), "missing document reads as idle")
	require.NoError(t, fs.Reset())
	assert.Equal(t, types.BuildIdle, fs.Read().Status)
}
