//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provide-io/kiln/internal/kilnerr"
	"github.com/provide-io/kiln/internal/launch"
)

func testLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: "supervisor_test", Level: hclog.Trace})
}

func shellSpec(t *testing.T, script string) *launch.Spec {
	return &launch.Spec{
		Executable: "/bin/sh",
		Args:       []string{"-c", script},
		Dir:        t.TempDir(),
	}
}

func collect(p *Process) []Line {
	var out []Line
	for l := range p.Lines() {
		out = append(out, l)
	}
	return out
}

func TestStreamsLinesAndReportsExit(t *testing.T) {
	spec := shellSpec(t, `echo "hello from stdout"; echo "oops" >&2; echo "$KILN_TEST_VAR"; pwd`)
	spec.Env = []string{"KILN_TEST_VAR=from-spec"}

	p, err := Start(context.Background(), spec, WithLogger(testLogger()))
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	lines := collect(p)
	status := <-p.Done()

	assert.Equal(t, Exited, status.State)
	assert.Equal(t, 0, status.Code)

	var stdout, stderr []string
	for _, l := range lines {
		if l.Stream == Stderr {
			stderr = append(stderr, l.Text)
		} else {
			stdout = append(stdout, l.Text)
		}
	}
	wantDir, _ := filepath.EvalSymlinks(spec.Dir)
	require.Len(t, stdout, 3)
	assert.Equal(t, "hello from stdout", stdout[0])
	assert.Equal(t, "from-spec", stdout[1])
	gotDir, _ := filepath.EvalSymlinks(stdout[2])
	assert.Equal(t, wantDir, gotDir)
	assert.Equal(t, []string{"oops"}, stderr)

	// the channel delivers exactly one status
	_, open := <-p.Done()
	assert.False(t, open)
	assert.Equal(t, status, p.Wait())
}

func TestNonZeroExitIsCrash(t *testing.T) {
	p, err := Start(context.Background(), shellSpec(t, "exit 3"), WithLogger(testLogger()))
	require.NoError(t, err)
	collect(p)

	status := p.Wait()
	assert.Equal(t, Crashed, status.State)
	assert.Equal(t, 3, status.Code)
}

func TestStopEscalatesToKill(t *testing.T) {
	// the shell ignores SIGTERM, so only the kill ends it
	p, err := Start(context.Background(), shellSpec(t, `trap "" TERM; echo ready; while true; do sleep 0.05; done`),
		WithLogger(testLogger()))
	require.NoError(t, err)

	first := <-p.Lines()
	assert.Equal(t, "ready", first.Text)
	go collect(p)

	start := time.Now()
	status := p.Stop(200 * time.Millisecond)
	assert.Equal(t, Killed, status.State)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, status, p.Wait())
}

func TestStopHonoursGracefulExit(t *testing.T) {
	p, err := Start(context.Background(), shellSpec(t, `trap "exit 0" TERM; echo ready; while true; do sleep 0.05; done`),
		WithLogger(testLogger()))
	require.NoError(t, err)
	<-p.Lines()
	go collect(p)

	start := time.Now()
	status := p.Stop(5 * time.Second)
	assert.Equal(t, Killed, status.State)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestContextCancellationStopsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := Start(ctx, shellSpec(t, "echo ready; sleep 30"),
		WithLogger(testLogger()), WithGracePeriod(100*time.Millisecond))
	require.NoError(t, err)
	<-p.Lines()
	go collect(p)

	cancel()
	select {
	case status := <-p.Done():
		assert.Equal(t, Killed, status.State)
	case <-time.After(10 * time.Second):
		t.Fatal("process was not stopped")
	}
}

func TestStopAfterNaturalExitKeepsExitedState(t *testing.T) {
	p, err := Start(context.Background(), shellSpec(t, "exit 0"), WithLogger(testLogger()))
	require.NoError(t, err)
	collect(p)
	require.Equal(t, Exited, p.Wait().State)

	assert.False(t, p.signal(terminate), "no signal is sent to an ended process")
	status := p.Stop(time.Second)
	assert.Equal(t, Exited, status.State)
	assert.Zero(t, status.Code)
}

func TestExitStatus(t *testing.T) {
	testCases := []struct {
		name      string
		waitErr   error
		signalled bool
		want      State
		code      int
	}{
		{"clean exit", nil, false, Exited, 0},
		{"clean exit after signal", nil, true, Killed, 0},
		{"wait failure", errors.New("wait: no child"), false, Crashed, -1},
		{"wait failure after signal", errors.New("wait: no child"), true, Killed, -1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			st := exitStatus(tc.waitErr, tc.signalled)
			assert.Equal(t, tc.want, st.State)
			assert.Equal(t, tc.code, st.Code)
		})
	}
}

func TestSpawnFailure(t *testing.T) {
	spec := &launch.Spec{Executable: filepath.Join(t.TempDir(), "no-such-java"), Dir: t.TempDir()}

	_, err := Start(context.Background(), spec, WithLogger(testLogger()))
	require.Error(t, err)
	assert.True(t, kilnerr.Is(err, kilnerr.CodeProcessSpawnFailed))
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root"}
	got := mergeEnv(base, []string{"HOME=/kiln", "LANG=C"})
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/kiln", "LANG=C"}, got)
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/root"}, base)
}
