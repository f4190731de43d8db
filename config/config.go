package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"emperror.dev/errors"
	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/pterodactyl/roottest/sandbox"
	"github.com/pterodactyl/roottest/suite"
)

// DefaultLocation is the configuration file looked up in the working
// directory when no --config flag is given.
const DefaultLocation = "roottest.yml"

const (
	CopyToolCommand = "command"
	CopyToolNative  = "native"
)

var ErrInvalidConfiguration = errors.Sentinel("config: invalid configuration")

// SandboxConfiguration selects the tool wrapping every program under test.
type SandboxConfiguration struct {
	// One of fakechroot, chroot, bwrap or none.
	Driver string `default:"fakechroot" yaml:"driver"`

	// Binary overrides the executable of the driver, for example to point at
	// a fakechroot outside of PATH.
	Binary string `yaml:"binary"`

	// Args are passed to the sandbox tool before anything else.
	Args []string `yaml:"args"`
}

// CopyConfiguration controls how staged roots are populated.
type CopyConfiguration struct {
	// Tool is "command" to shell out to cp -a, or "native" to copy in
	// process.
	Tool   string `default:"command" yaml:"tool"`
	Binary string `yaml:"binary"`
}

type CompareConfiguration struct {
	// Scope is home or root and applies to tests that do not set their own.
	Scope             string `default:"home" yaml:"scope"`
	StrictPermissions bool   `yaml:"strict_permissions"`

	// TimeoutVerdict is fail or error.
	TimeoutVerdict string `default:"fail" yaml:"timeout_verdict"`

	// VerifyStaging snapshots every staged root and checks it against its
	// sources before the program is run. Slow, but useful when a copy tool
	// is suspected of mangling trees.
	VerifyStaging bool `yaml:"verify_staging"`

	MaxDiffBytes int `default:"16384" yaml:"max_diff_bytes"`
}

type Configuration struct {
	// The location from which this configuration instance was instantiated.
	path string

	// Enables debug logging. The --debug flag takes precedence.
	Debug bool `yaml:"debug"`

	// Directory containing one folder per test.
	TestsRoot string `default:"tests" yaml:"tests_root"`

	// Number of tests run at the same time. Defaults to the number of CPUs.
	Jobs int `yaml:"jobs"`

	// Directory below which roots are staged. Defaults to a roottest folder
	// in the system temporary directory.
	ScratchDirectory string `yaml:"scratch_directory"`

	// If set, log entries are also written to this file.
	LogFile string `yaml:"log_file"`

	// Timeout applied to tests that do not configure one. Zero disables it.
	DefaultTimeout time.Duration `default:"60s" yaml:"default_timeout"`

	Sandbox SandboxConfiguration `yaml:"sandbox"`
	Copy    CopyConfiguration    `yaml:"copy"`
	Compare CompareConfiguration `yaml:"compare"`
}

// NewAtPath returns a configuration carrying only default values which is
// considered to be located at path.
func NewAtPath(path string) (*Configuration, error) {
	var c Configuration
	if err := defaults.Set(&c); err != nil {
		return nil, errors.WithStack(err)
	}
	c.path = path
	c.fill()
	return &c, nil
}

// FromFile reads the configuration at path. Environment variables in the
// file are expanded before it is parsed, and unknown keys are rejected.
//
// A missing file is only acceptable when the default location is being
// used, in which case the defaults are returned.
func FromFile(path string) (*Configuration, error) {
	c, err := NewAtPath(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultLocation {
			return c, nil
		}
		return nil, errors.Wrap(err, "config: failed to read configuration file")
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(b)))))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.WithDetails(errors.Wrap(err, "config: failed to parse configuration file"), "path", path)
	}
	c.resolve(filepath.Dir(path))
	c.fill()
	return c, nil
}

// fill sets the defaults that depend on the host rather than on a constant.
func (c *Configuration) fill() {
	if c.Jobs == 0 {
		c.Jobs = runtime.NumCPU()
	}
	if c.ScratchDirectory == "" {
		c.ScratchDirectory = filepath.Join(os.TempDir(), "roottest")
	}
}

// resolve makes the relative paths of the file relative to the directory
// containing it rather than to the working directory.
func (c *Configuration) resolve(dir string) {
	for _, p := range []*string{&c.TestsRoot, &c.ScratchDirectory, &c.LogFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// GetPath returns the location the configuration was read from.
func (c *Configuration) GetPath() string {
	return c.path
}

// Validate checks every enumerated value of the configuration.
func (c *Configuration) Validate() error {
	invalid := func(key string, value interface{}) error {
		return errors.WithDetails(ErrInvalidConfiguration, "key", key, "value", value)
	}
	switch c.Sandbox.Driver {
	case sandbox.DriverFakechroot, sandbox.DriverChroot, sandbox.DriverBwrap, sandbox.DriverNone:
	default:
		return invalid("sandbox.driver", c.Sandbox.Driver)
	}
	if c.Copy.Tool != CopyToolCommand && c.Copy.Tool != CopyToolNative {
		return invalid("copy.tool", c.Copy.Tool)
	}
	if !suite.Scope(c.Compare.Scope).Valid() {
		return invalid("compare.scope", c.Compare.Scope)
	}
	switch suite.TimeoutVerdict(c.Compare.TimeoutVerdict) {
	case suite.TimeoutFail, suite.TimeoutError:
	default:
		return invalid("compare.timeout_verdict", c.Compare.TimeoutVerdict)
	}
	if c.Jobs < 1 {
		return invalid("jobs", c.Jobs)
	}
	if c.DefaultTimeout < 0 {
		return invalid("default_timeout", c.DefaultTimeout)
	}
	if c.Compare.MaxDiffBytes < 0 {
		return invalid("compare.max_diff_bytes", c.Compare.MaxDiffBytes)
	}
	return nil
}
