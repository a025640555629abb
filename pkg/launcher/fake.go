package launcher

import "context"

// Fake is a test double satisfying Launcher, returning a fixed Result (or
// error) without spawning a subprocess.
type Fake struct {
	Result Result
	Err    error
	Calls  []FakeCall
}

// FakeCall records one Launch invocation for assertions.
type FakeCall struct {
	WorkDir    string
	Prompt     string
	TimeoutMs  int
	SessionID  string
	DisableMCP bool
}

func (f *Fake) Launch(_ context.Context, workDir, prompt string, timeoutMs int, sessionID string, disableMCP bool) (Result, error) {
	f.Calls = append(f.Calls, FakeCall{workDir, prompt, timeoutMs, sessionID, disableMCP})
	return f.Result, f.Err
}
