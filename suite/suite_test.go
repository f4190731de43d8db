package suite

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/gammazero/workerpool"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pterodactyl/roottest/environment"
	"github.com/pterodactyl/roottest/sandbox"
)

func init() {
	color.NoColor = true
}

// folder builds a test folder on disk. Every required part exists, so tests
// only have to describe what makes them special.
type folder struct {
	t   *testing.T
	dir string
}

func newFolder(t *testing.T, parent, name, config string) *folder {
	f := &folder{t: t, dir: filepath.Join(parent, name)}
	for _, d := range []string{RootDir + "/etc", HomeBeforeDir, HomeAfterDir} {
		require.NoError(t, os.MkdirAll(filepath.Join(f.dir, d), 0o755))
	}
	f.write(SpecFile, config)
	f.write(StdinFile, "")
	f.write(StdoutFile, "")
	f.write(StderrFile, "")
	return f
}

func (f *folder) write(p, content string) *folder {
	full := filepath.Join(f.dir, p)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(f.t, os.WriteFile(full, []byte(content), 0o644))
	return f
}

func (f *folder) symlink(p, target string) *folder {
	require.NoError(f.t, os.Symlink(target, filepath.Join(f.dir, p)))
	return f
}

func script(s string) string {
	return "command = \"/bin/sh\"\nargs = [\"-c\", '" + s + "']\n"
}

type harness struct {
	tests   string
	scratch string
	suite   *Suite
	pool    *workerpool.WorkerPool
}

func newHarness(t *testing.T, opts Options) *harness {
	base := t.TempDir()
	d, err := sandbox.NewDriver(sandbox.DriverNone, "", nil)
	require.NoError(t, err)

	h := &harness{
		tests:   filepath.Join(base, "tests"),
		scratch: filepath.Join(base, "scratch"),
		pool:    workerpool.New(2),
	}
	t.Cleanup(h.pool.StopWait)
	require.NoError(t, os.MkdirAll(h.tests, 0o755))

	stager := environment.NewStager(h.scratch, environment.WithCopier(environment.NativeCopier{}), environment.WithVerification(true))
	h.suite = New(stager, sandbox.NewRunner(d), h.pool, opts)
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context) *Report {
	dirs, err := Discover(h.tests)
	require.NoError(t, err)
	r := h.suite.Run(ctx, dirs)

	// Nothing may be left behind, whatever happened to the tests.
	items, _ := os.ReadDir(h.scratch)
	assert.Empty(t, items, "scratch directory is not empty")
	return r
}

func (h *harness) single(t *testing.T) *Verdict {
	r := h.run(t, context.Background())
	require.Len(t, r.Verdicts, 1)
	return r.Verdicts[0]
}

func TestSuite_Scenarios(t *testing.T) {
	t.Run("an appended file matches its expectation", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "append", script("printf y >> a.txt")).
			write(HomeBeforeDir+"/a.txt", "x").
			write(HomeAfterDir+"/a.txt", "xy")

		v := h.single(t)
		assert.Equal(t, Passed, v.Status, "%v", v.Mismatches)
		assert.Equal(t, StatePassed, v.State)
		assert.Empty(t, v.Mismatches)
	})

	t.Run("unexpected output fails the stdout stream only", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "hello", script("printf hello"))

		v := h.single(t)
		assert.Equal(t, Failed, v.Status)
		require.Len(t, v.Mismatches, 1)
		assert.Equal(t, MismatchStdout, v.Mismatches[0].Kind)
		assert.Equal(t, "stdout", v.Mismatches[0].Path)
		assert.Equal(t, `expected <empty>, found "hello"`, v.Mismatches[0].Summary)
		assert.Contains(t, v.Mismatches[0].Diff, "+hello")
	})

	t.Run("a program that never finishes times out", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "sleepy", script("sleep 30")+"timeout = \"100ms\"\n")

		start := time.Now()
		v := h.single(t)
		assert.Less(t, time.Since(start), 10*time.Second)
		assert.Equal(t, Failed, v.Status)
		require.NotNil(t, v.Result)
		assert.Equal(t, sandbox.TimedOut, v.Result.Status.Outcome)
		require.Len(t, v.Mismatches, 1)
		assert.Equal(t, MismatchTimeout, v.Mismatches[0].Kind)
	})

	t.Run("a regular file where a symlink is expected differs", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "link", script("printf target > link")).
			write(HomeBeforeDir+"/target", "t").
			write(HomeAfterDir+"/target", "t").
			symlink(HomeAfterDir+"/link", "target")

		v := h.single(t)
		assert.Equal(t, Failed, v.Status)
		require.Len(t, v.Mismatches, 1)
		assert.Equal(t, MismatchDiffers, v.Mismatches[0].Kind)
		assert.Equal(t, "link", v.Mismatches[0].Path)
	})
}

func TestSuite_Run(t *testing.T) {
	t.Run("a program that changes nothing passes", func(t *testing.T) {
		h := newHarness(t, Options{StrictPermissions: true})
		newFolder(t, h.tests, "noop", "command = \"true\"\n").
			write(HomeBeforeDir+"/keep/me.txt", "same").
			write(HomeAfterDir+"/keep/me.txt", "same")

		v := h.single(t)
		assert.Equal(t, Passed, v.Status, "%v", v.Mismatches)
	})

	t.Run("reports missing and extra files separately", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "swap", script("rm old.txt && printf n > new.txt")).
			write(HomeBeforeDir+"/old.txt", "o").
			write(HomeAfterDir+"/old.txt", "o")

		v := h.single(t)
		require.Len(t, v.Mismatches, 2)
		assert.Equal(t, MismatchExtra, v.Mismatches[0].Kind)
		assert.Equal(t, "new.txt", v.Mismatches[0].Path)
		assert.Equal(t, MismatchMissing, v.Mismatches[1].Kind)
		assert.Equal(t, "old.txt", v.Mismatches[1].Path)
	})

	t.Run("includes a diff of differing files", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "edit", script("printf \"one\\nTWO\\nthree\\n\" > f.txt")).
			write(HomeBeforeDir+"/f.txt", "").
			write(HomeAfterDir+"/f.txt", "one\ntwo\nthree\n")

		v := h.single(t)
		require.Len(t, v.Mismatches, 1)
		assert.Equal(t, MismatchDiffers, v.Mismatches[0].Kind)
		assert.Contains(t, v.Mismatches[0].Diff, "-two\n")
		assert.Contains(t, v.Mismatches[0].Diff, "+TWO\n")
	})

	t.Run("feeds stdin and compares stderr", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "streams", script("cat >&2")).
			write(StdinFile, "to stderr\n").
			write(StderrFile, "to stderr\n")

		v := h.single(t)
		assert.Equal(t, Passed, v.Status, "%v", v.Mismatches)
	})

	t.Run("checks the exit status when one is expected", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "status", script("exit 3")+"expected_status = 0\n")

		v := h.single(t)
		assert.Equal(t, Failed, v.Status)
		require.Len(t, v.Mismatches, 1)
		assert.Equal(t, MismatchExitStatus, v.Mismatches[0].Kind)
		assert.Equal(t, "expected exit status 0, program exited with status 3", v.Mismatches[0].Summary)
	})

	t.Run("ignores the exit status unless one is expected", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "status", script("exit 3"))

		assert.Equal(t, Passed, h.single(t).Status)
	})

	t.Run("applies environment variables", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "env", script("printf \"$A-$B\"")+"[env_vars]\nB = \"two\"\n").
			write(EnvironmentFile, "A = \"one\"\nB = \"overridden\"\n").
			write(StdoutFile, "one-two")

		v := h.single(t)
		assert.Equal(t, Passed, v.Status, "%v", v.Mismatches)
	})

	t.Run("can compare the entire root", func(t *testing.T) {
		h := newHarness(t, Options{})
		f := newFolder(t, h.tests, "whole", script("printf x > ../../etc/motd")+"scope = \"root\"\n").
			write(RootDir+"/etc/motd", "")
		f.write(RootAfterDir+"/etc/motd", "x")
		require.NoError(t, os.MkdirAll(filepath.Join(f.dir, RootAfterDir, "home/user"), 0o755))

		v := h.single(t)
		assert.Equal(t, Passed, v.Status, "%v %v", v.Mismatches, v.Err)
	})

	t.Run("fails when the program removes its home directory", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "rmhome", script("cd / && rm -rf \"$HOME\" && printf gone")).
			write(HomeBeforeDir+"/a.txt", "a").
			write(HomeAfterDir+"/a.txt", "a")

		v := h.single(t)
		assert.Equal(t, Failed, v.Status, "%v", v.Err)
		assert.Nil(t, v.Err)
		require.Len(t, v.Mismatches, 2)
		assert.Equal(t, MismatchStdout, v.Mismatches[0].Kind)
		assert.Equal(t, MismatchMissing, v.Mismatches[1].Kind)
		assert.Equal(t, ".", v.Mismatches[1].Path)
		assert.Contains(t, v.Mismatches[1].Summary, "home directory")
	})

	t.Run("fails when the program replaces its home directory", func(t *testing.T) {
		for name, replace := range map[string]string{
			"symlink": "ln -s /tmp \"$HOME\"",
			"file":    "printf x > \"$HOME\"",
		} {
			name, replace := name, replace
			t.Run(name, func(t *testing.T) {
				h := newHarness(t, Options{})
				newFolder(t, h.tests, "swaphome", script("cd / && rm -rf \"$HOME\" && "+replace))

				v := h.single(t)
				assert.Equal(t, Failed, v.Status, "%v", v.Err)
				require.Len(t, v.Mismatches, 1)
				assert.Equal(t, MismatchDiffers, v.Mismatches[0].Kind)
				assert.Equal(t, ".", v.Mismatches[0].Path)
				assert.Contains(t, v.Mismatches[0].Summary, "found "+name)
			})
		}
	})

	t.Run("errors on a symlinked expectation directory", func(t *testing.T) {
		h := newHarness(t, Options{})
		f := newFolder(t, h.tests, "linked", "command = \"true\"\n")
		require.NoError(t, os.Rename(filepath.Join(f.dir, HomeAfterDir), filepath.Join(f.dir, "real_after")))
		f.symlink(HomeAfterDir, "real_after")

		v := h.single(t)
		assert.Equal(t, Errored, v.Status)
		assert.Equal(t, ErrKindConfig, v.ErrorKind())
		assert.Contains(t, v.Err.Error(), HomeAfterDir+" is not a directory")
	})

	t.Run("errors on a timeout when configured to", func(t *testing.T) {
		h := newHarness(t, Options{TimeoutVerdict: TimeoutError, Timeout: 100 * time.Millisecond})
		newFolder(t, h.tests, "sleepy", script("sleep 30"))

		v := h.single(t)
		assert.Equal(t, Errored, v.Status)
		assert.Equal(t, ErrKindTimeout, v.ErrorKind())
	})

	t.Run("errors on broken folders without stopping the suite", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "a-unknown-key", "command = \"true\"\ncwd = \"/\"\n")
		newFolder(t, h.tests, "b-no-command", "args = []\n")
		require.NoError(t, os.Remove(filepath.Join(newFolder(t, h.tests, "c-no-stdout", "command = \"true\"\n").dir, StdoutFile)))
		require.NoError(t, os.MkdirAll(filepath.Join(h.tests, "d-empty"), 0o755))
		newFolder(t, h.tests, "e-fine", "command = \"true\"\n")

		r := h.run(t, context.Background())
		require.Len(t, r.Verdicts, 5)
		for _, v := range r.Verdicts[:4] {
			assert.Equal(t, Errored, v.Status, v.Name)
			assert.Equal(t, ErrKindConfig, v.ErrorKind(), v.Name)
			assert.True(t, IsErrorKind(v.Err, ErrKindConfig))
			assert.Contains(t, v.Err.Error(), v.Name+": failed to load test")
		}
		assert.Contains(t, r.Verdicts[0].Err.Error(), "cwd")
		assert.Equal(t, Passed, r.Verdicts[4].Status)
		assert.Equal(t, Counts{Passed: 1, Errored: 4}, r.Counts)
		assert.Equal(t, ExitErrored, r.ExitCode())
		assert.False(t, r.Infrastructure())
	})

	t.Run("keeps discovery order regardless of completion order", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "a", script("sleep 0.3"))
		newFolder(t, h.tests, "b", "command = \"true\"\n")
		newFolder(t, h.tests, "c", "command = \"true\"\n")

		var seen []string
		h.suite.OnVerdict = func(v *Verdict) {
			seen = append(seen, v.Name)
		}
		r := h.run(t, context.Background())
		assert.Equal(t, []string{"a", "b", "c"}, []string{r.Verdicts[0].Name, r.Verdicts[1].Name, r.Verdicts[2].Name})
		assert.Len(t, seen, 3)
		assert.Equal(t, ExitPassed, r.ExitCode())
	})

	t.Run("errors every case once cancelled", func(t *testing.T) {
		h := newHarness(t, Options{})
		newFolder(t, h.tests, "a", script("sleep 30"))
		newFolder(t, h.tests, "b", script("sleep 30"))
		newFolder(t, h.tests, "c", script("sleep 30"))

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(300*time.Millisecond, cancel)

		start := time.Now()
		r := h.run(t, ctx)
		assert.Less(t, time.Since(start), 10*time.Second)
		for _, v := range r.Verdicts {
			assert.Equal(t, Errored, v.Status, v.Name)
			assert.Equal(t, ErrKindCancelled, v.ErrorKind(), v.Name)
		}
	})

	t.Run("reports a missing sandbox as an infrastructure problem", func(t *testing.T) {
		h := newHarness(t, Options{})
		d, err := sandbox.NewDriver(sandbox.DriverFakechroot, "roottest-no-such-sandbox", nil)
		require.NoError(t, err)
		h.suite.runner = sandbox.NewRunner(d)
		newFolder(t, h.tests, "a", "command = \"true\"\n")

		v := h.single(t)
		assert.Equal(t, Errored, v.Status)
		assert.Equal(t, ErrKindExecution, v.ErrorKind())
	})
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"b", "a", ".hidden", "c"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, d), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), nil, 0o644))
	require.NoError(t, os.Symlink("a", filepath.Join(root, "d")))

	dirs, err := Discover(root)
	require.NoError(t, err)
	var names []string
	for _, d := range dirs {
		names = append(names, filepath.Base(d))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)

	_, err = Discover(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestReport(t *testing.T) {
	r := &Report{Verdicts: []*Verdict{
		{Name: "good", Status: Passed, State: StatePassed},
		{Name: "bad", Status: Failed, State: StateFailed, Mismatches: []Mismatch{
			{Kind: MismatchStdout, Path: "stdout", Summary: "expected <empty>, found \"hi\"", Diff: "--- expected\n+++ actual\n@@ -0,0 +1 @@\n+hi\n"},
			{Kind: MismatchMissing, Path: "a.txt", Summary: "missing: expected file, found nothing"},
		}},
		{Name: "broken", Status: Errored, State: StateErrored, Err: newError(ErrKindConfig, StageLoad, "broken", os.ErrNotExist)},
	}}
	r.count()

	t.Run("renders text", func(t *testing.T) {
		var b bytes.Buffer
		r.Render(&b)
		out := b.String()

		assert.True(t, strings.HasPrefix(out, "Running 3 roottests\n\n"))
		assert.Contains(t, out, "good ... PASS")
		assert.Contains(t, out, "bad ... FAIL")
		assert.Contains(t, out, "broken ... ERROR")
		assert.Contains(t, out, "\nfailures:\n")
		assert.Less(t, strings.Index(out, "--- bad ---"), strings.Index(out, "--- broken ---"))
		assert.Contains(t, out, "tree-entry-missing a.txt: missing: expected file, found nothing")
		assert.Contains(t, out, "    +hi\n")
		assert.Contains(t, out, "config error: broken: failed to load test")
		assert.Contains(t, out, "test result: FAILED. 1 passed; 1 failed; 1 errored")
		assert.NotContains(t, out, "infrastructure error")
	})

	t.Run("renders json", func(t *testing.T) {
		var b bytes.Buffer
		require.NoError(t, r.RenderJSON(&b))

		var out jsonReport
		require.NoError(t, json.Unmarshal(b.Bytes(), &out))
		assert.Equal(t, Counts{Passed: 1, Failed: 1, Errored: 1}, out.Counts)
		assert.Equal(t, ExitErrored, out.ExitCode)
		require.Len(t, out.Tests, 3)
		assert.Equal(t, "bad", out.Tests[1].Name)
		assert.Len(t, out.Tests[1].Mismatches, 2)
		assert.Equal(t, ErrKindConfig, out.Tests[2].Error.Kind)
		assert.Equal(t, StageLoad, out.Tests[2].Error.Stage)
	})

	t.Run("picks the exit code", func(t *testing.T) {
		assert.Equal(t, ExitErrored, r.ExitCode())
		assert.Equal(t, ExitFailed, (&Report{Counts: Counts{Passed: 2, Failed: 1}}).ExitCode())
		assert.Equal(t, ExitPassed, (&Report{Counts: Counts{Passed: 2}}).ExitCode())
		assert.Equal(t, ExitPassed, (&Report{}).ExitCode())
	})

	t.Run("flags runs where only the sandbox failed", func(t *testing.T) {
		infra := &Report{Verdicts: []*Verdict{
			{Name: "a", Status: Errored, Err: newError(ErrKindExecution, StageExecute, "a", sandbox.ErrSandboxNotFound)},
		}}
		infra.count()
		assert.True(t, infra.Infrastructure())

		var b bytes.Buffer
		infra.RenderSummary(&b)
		assert.Contains(t, b.String(), "infrastructure error")
	})
}
