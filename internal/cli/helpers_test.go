package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/roach88/trackmerge/internal/testutil"
)

// env is a scratch pipeline layout for driving commands end to end.
type env struct {
	t       *testing.T
	src     string
	archive string
	db      string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	src, arch := testutil.Dirs(t)
	return &env{t: t, src: src, archive: arch, db: filepath.Join(t.TempDir(), "tm.db")}
}

// pipelineArgs returns the flags describing the env for pipeline commands.
func (e *env) pipelineArgs() []string {
	return []string{"--target", "orders", "--source", e.src, "--archive", e.archive, "--db", e.db}
}

func (e *env) storeArgs() []string {
	return []string{"--target", "orders", "--db", e.db}
}

// execute runs the root command with args and returns stdout and stderr.
func (e *env) execute(args ...string) (string, string, error) {
	e.t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func (e *env) run(extra ...string) (string, string, error) {
	e.t.Helper()
	return e.execute(append(append([]string{"run"}, e.pipelineArgs()...), extra...)...)
}
