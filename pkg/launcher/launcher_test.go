package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLaunchCapturesStdoutAndExitCode(t *testing.T) {
	logDir := t.TempDir()
	l := New("sh", []string{"-c", "cat; exit 0"}, logDir)

	res, err := l.Launch(context.Background(), t.TempDir(), "hello from prompt", 5000, "sess-1", false)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, res.Stdout, "hello from prompt")

	_, statErr := os.Stat(filepath.Join(logDir, "sess-1.log"))
	require.NoError(t, statErr)
}

func TestLaunchSurfacesNonZeroExit(t *testing.T) {
	l := New("sh", []string{"-c", "exit 3"}, t.TempDir())

	res, err := l.Launch(context.Background(), t.TempDir(), "", 5000, "sess-2", false)
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
}

func TestLaunchTimesOut(t *testing.T) {
	l := New("sh", []string{"-c", "sleep 5"}, t.TempDir())

	res, err := l.Launch(context.Background(), t.TempDir(), "", 50, "sess-3", false)
	require.NoError(t, err)
	require.Equal(t, 124, res.ExitCode)
}

func TestFakeRecordsCalls(t *testing.T) {
	f := &Fake{Result: Result{ExitCode: 0, Stdout: "ok"}}
	res, err := f.Launch(context.Background(), "/work", "p", 1000, "s1", true)
	require.NoError(t, err)
	require.Equal(t, "ok", res.Stdout)
	require.Len(t, f.Calls, 1)
	require.True(t, f.Calls[0].DisableMCP)
}
