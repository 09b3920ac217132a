package process

import (
	"context"
	"os"
	"sync"
)

// FakeRunner records commands instead of executing them. It is used by adapter
// tests across packages.
type FakeRunner struct {
	mu    sync.Mutex
	calls []Command

	// Handler, when set, decides the outcome of each call.
	Handler func(ctx context.Context, cmd Command) (*Output, error)
}

// Run records cmd and delegates to Handler. Without a Handler it writes an
// empty file at the last argument, which is where every tool here puts its output.
func (f *FakeRunner) Run(ctx context.Context, cmd Command) (*Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	if f.Handler != nil {
		return f.Handler(ctx, cmd)
	}
	if len(cmd.Args) > 0 {
		if err := TouchOutput(cmd.Args[len(cmd.Args)-1], []byte("converted")); err != nil {
			return nil, err
		}
	}
	return &Output{}, nil
}

// Calls returns a copy of the recorded commands.
func (f *FakeRunner) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// CallsTo returns the recorded commands whose binary base name is name.
func (f *FakeRunner) CallsTo(name string) []Command {
	var out []Command
	for _, c := range f.Calls() {
		if c.Name() == name {
			out = append(out, c)
		}
	}
	return out
}

// TouchOutput writes data to path.
func TouchOutput(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

var _ Runner = (*FakeRunner)(nil)
var _ Runner = (*ExecRunner)(nil)
