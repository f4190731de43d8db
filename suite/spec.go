package suite

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/pelletier/go-toml/v2"
)

// Names of the files and directories making up a test folder.
const (
	SpecFile        = "Roottest.toml"
	EnvironmentFile = "environment.toml"
	RootDir         = "root"
	HomeBeforeDir   = "home_before"
	HomeAfterDir    = "home_after"
	RootAfterDir    = "root_after"
	StdinFile       = "input.stdin"
	StdoutFile      = "expected.stdout"
	StderrFile      = "expected.stderr"
)

// Scope selects which part of the staged root is compared after a run.
type Scope string

const (
	// ScopeHome compares home_after/ against the home directory only.
	ScopeHome Scope = "home"
	// ScopeRoot compares root_after/ against the entire staged root.
	ScopeRoot Scope = "root"
)

func (s Scope) Valid() bool {
	return s == ScopeHome || s == ScopeRoot
}

// Duration is a time.Duration read from a string such as "1.5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	if v < 0 {
		return errors.Errorf("duration %q must not be negative", b)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// RunConfig is the contents of a test's Roottest.toml file.
type RunConfig struct {
	// Command is the program executed inside the root.
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	EnvVars map[string]string `toml:"env_vars"`
	// Timeout overrides the suite wide timeout when non-zero.
	Timeout Duration `toml:"timeout"`
	// Workdir is the directory inside the root the program is started in.
	Workdir string `toml:"workdir"`
	// ExpectedStatus, when set, must match the exit code of the program.
	ExpectedStatus *int `toml:"expected_status"`
	// Scope overrides the suite wide comparison scope.
	Scope Scope `toml:"scope"`
}

// Spec is a fully loaded test folder. It is never modified once loaded.
type Spec struct {
	Name   string
	Dir    string
	Config RunConfig

	Root       string
	HomeBefore string
	// After is home_after/ or root_after/ depending on the scope in effect.
	After string
	Scope Scope

	Stdin          []byte
	ExpectedStdout []byte
	ExpectedStderr []byte
}

// LoadSpec reads the test folder at dir. The scope argument is the suite
// default and is only used when the folder does not set its own.
//
// Every problem with the folder, be it a missing file, invalid TOML or an
// unrecognized key, is returned as a config error.
func LoadSpec(dir string, scope Scope) (*Spec, error) {
	name := filepath.Base(filepath.Clean(dir))
	fail := func(err error) (*Spec, error) {
		return nil, newError(ErrKindConfig, StageLoad, name, err)
	}

	st, err := os.Stat(dir)
	if err != nil {
		return fail(errors.Wrap(err, "failed to stat test folder"))
	}
	if !st.IsDir() {
		return fail(errors.Errorf("%s is not a directory", dir))
	}

	cfg, err := readRunConfig(filepath.Join(dir, SpecFile))
	if err != nil {
		return fail(err)
	}
	env, err := readEnvironment(filepath.Join(dir, EnvironmentFile))
	if err != nil {
		return fail(err)
	}
	for k, v := range cfg.EnvVars {
		env[k] = v
	}
	cfg.EnvVars = env

	if cfg.Scope != "" {
		scope = cfg.Scope
	}
	if scope == "" {
		scope = ScopeHome
	}

	s := &Spec{
		Name:       name,
		Dir:        dir,
		Config:     cfg,
		Root:       filepath.Join(dir, RootDir),
		HomeBefore: filepath.Join(dir, HomeBeforeDir),
		Scope:      scope,
	}
	if scope == ScopeRoot {
		s.After = filepath.Join(dir, RootAfterDir)
	} else {
		s.After = filepath.Join(dir, HomeAfterDir)
	}
	for _, p := range []string{s.Root, s.HomeBefore, s.After} {
		if err := requireDir(p); err != nil {
			return fail(err)
		}
	}

	files := []struct {
		name string
		dst  *[]byte
	}{
		{StdinFile, &s.Stdin},
		{StdoutFile, &s.ExpectedStdout},
		{StderrFile, &s.ExpectedStderr},
	}
	for _, f := range files {
		b, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			return fail(errors.Wrap(err, "failed to read "+f.name))
		}
		*f.dst = b
	}
	return s, nil
}

// Timeout returns the timeout for the test, falling back to def.
func (s *Spec) Timeout(def time.Duration) time.Duration {
	if s.Config.Timeout > 0 {
		return time.Duration(s.Config.Timeout)
	}
	return def
}

func readRunConfig(p string) (RunConfig, error) {
	var cfg RunConfig
	b, err := os.ReadFile(p)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to read "+SpecFile)
	}
	d := toml.NewDecoder(bytes.NewReader(b))
	d.DisallowUnknownFields()
	if err := d.Decode(&cfg); err != nil {
		return cfg, errors.Wrap(describeTOML(err), "failed to parse "+SpecFile)
	}
	if cfg.Command == "" {
		return cfg, errors.New(SpecFile + ": command is required")
	}
	if cfg.Scope != "" && !cfg.Scope.Valid() {
		return cfg, errors.Errorf("%s: unknown scope %q", SpecFile, cfg.Scope)
	}
	return cfg, nil
}

// readEnvironment loads the optional environment.toml file, a flat table of
// variables applied before the ones in env_vars.
func readEnvironment(p string) (map[string]string, error) {
	env := make(map[string]string)
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return env, nil
		}
		return nil, errors.Wrap(err, "failed to read "+EnvironmentFile)
	}
	if err := toml.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(describeTOML(err), "failed to parse "+EnvironmentFile)
	}
	return env, nil
}

// describeTOML expands decoder errors into something that points at the
// offending line or key.
func describeTOML(err error) error {
	var derr *toml.DecodeError
	if errors.As(err, &derr) {
		row, col := derr.Position()
		return errors.Errorf("line %d, column %d: %s", row, col, derr.Error())
	}
	var serr *toml.StrictMissingError
	if errors.As(err, &serr) {
		keys := make([]string, 0, len(serr.Errors))
		for _, e := range serr.Errors {
			keys = append(keys, strings.Join(e.Key(), "."))
		}
		return errors.Errorf("unknown keys: %v", keys)
	}
	return err
}

// requireDir rejects symlinks, matching tree.Take.
func requireDir(p string) error {
	st, err := os.Lstat(p)
	if err != nil {
		return errors.Wrap(err, "missing "+filepath.Base(p)+"/")
	}
	if !st.IsDir() {
		return errors.Errorf("%s is not a directory", filepath.Base(p))
	}
	return nil
}
