package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/roach88/trackmerge/internal/source"
	"github.com/roach88/trackmerge/internal/store"
)

// AssertionContext provides what assertions inspect.
type AssertionContext struct {
	Ctx        context.Context
	Store      *store.Store
	Target     string
	SourceDir  string
	ArchiveDir string
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Diff     string // cmp.Diff output, -want +got
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	if e.Diff != "" {
		fmt.Fprintf(&buf, "  Diff (-want +got):\n%s", e.Diff)
		return buf.String()
	}
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertTarget:
			err = assertTarget(result, a)
		case AssertTargetAbsent:
			err = assertTargetAbsent(actx)
		case AssertSourceEmpty:
			err = assertSourceEmpty(actx)
		case AssertSourceContains:
			err = assertSourceContains(actx, a)
		case AssertArchived:
			err = assertArchived(actx, a)
		case AssertRunCount:
			err = assertRunCount(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func assertTarget(result *Result, a Assertion) error {
	want := a.Rows
	if want == nil {
		want = map[string]map[string]string{}
	}
	if diff := cmp.Diff(want, result.Target); diff != "" {
		return &AssertionError{Type: AssertTarget, Diff: diff}
	}
	return nil
}

func assertTargetAbsent(actx *AssertionContext) error {
	exists, err := actx.Store.TargetExists(actx.Ctx, actx.Target)
	if err != nil {
		return err
	}
	if exists {
		return &AssertionError{
			Type:     AssertTargetAbsent,
			Expected: fmt.Sprintf("target %s not created", actx.Target),
			Actual:   "target exists",
		}
	}
	return nil
}

func assertSourceEmpty(actx *AssertionContext) error {
	files, err := source.List(actx.SourceDir)
	if err != nil {
		return err
	}
	if len(files) > 0 {
		names := make([]string, len(files))
		for i, f := range files {
			names[i] = f.Name
		}
		return &AssertionError{
			Type:     AssertSourceEmpty,
			Expected: "no batch files in source",
			Actual:   fmt.Sprintf("%v", names),
		}
	}
	return nil
}

func assertSourceContains(actx *AssertionContext, a Assertion) error {
	for _, name := range a.Files {
		ok, err := source.Exists(filepath.Join(actx.SourceDir, name))
		if err != nil {
			return err
		}
		if !ok {
			return &AssertionError{
				Type:     AssertSourceContains,
				Expected: fmt.Sprintf("%s in source", name),
				Actual:   "missing",
			}
		}
	}
	return nil
}

// assertArchived checks archive exclusivity: each file is somewhere under
// the archive and no longer in the source.
func assertArchived(actx *AssertionContext, a Assertion) error {
	archived := map[string]bool{}
	err := filepath.WalkDir(actx.ArchiveDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			archived[d.Name()] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, name := range a.Files {
		inSource, err := source.Exists(filepath.Join(actx.SourceDir, name))
		if err != nil {
			return err
		}
		if !archived[name] || inSource {
			return &AssertionError{
				Type:     AssertArchived,
				Expected: fmt.Sprintf("%s in archive only", name),
				Actual:   fmt.Sprintf("archived=%t in_source=%t", archived[name], inSource),
			}
		}
	}
	return nil
}

func assertRunCount(result *Result, a Assertion) error {
	count := 0
	for _, ev := range result.Runs() {
		if ev.State == a.State {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertRunCount,
			Expected: fmt.Sprintf("%d runs ending %s", a.Count, a.State),
			Actual:   fmt.Sprintf("%d runs", count),
		}
	}
	return nil
}
