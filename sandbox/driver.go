package sandbox

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"emperror.dev/errors"

	"github.com/pterodactyl/roottest/system"
)

const (
	DriverFakechroot = "fakechroot"
	DriverChroot     = "chroot"
	DriverBwrap      = "bwrap"
	DriverNone       = "none"
)

// hostPath is the PATH handed to the sandbox tool itself and, unless a test
// overrides it, to the program running inside the root.
const hostPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// shim changes into the working directory before replacing itself with the
// program under test. The directory is passed as $0 so it never needs to be
// quoted into the script.
const shim = `cd "$0" && exec "$@"`

// Invocation is the host side process that runs a request.
type Invocation struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Driver turns a request into the command line of the sandbox tool that
// executes it.
type Driver interface {
	// Name returns the configuration name of the driver.
	Name() string
	// Binary returns the sandbox tool that is executed, or an empty string if
	// the driver runs the program directly.
	Binary() string
	// Tools returns every host executable the driver depends on.
	Tools() []string
	// Command builds the invocation for a request.
	Command(req *Request) (*Invocation, error)
}

// NewDriver returns the named driver. An empty binary selects the driver's
// default tool, resolved on PATH. The extra arguments are passed to the tool
// ahead of the ones the driver generates.
func NewDriver(name string, binary string, args []string) (Driver, error) {
	switch name {
	case DriverFakechroot, "":
		return &chrootDriver{name: DriverFakechroot, binary: system.FirstNotEmpty(binary, "fakechroot"), args: args, fake: true}, nil
	case DriverChroot:
		return &chrootDriver{name: DriverChroot, binary: system.FirstNotEmpty(binary, "chroot"), args: args}, nil
	case DriverBwrap:
		return &bwrapDriver{binary: system.FirstNotEmpty(binary, "bwrap"), args: args}, nil
	case DriverNone:
		return hostDriver{}, nil
	}
	return nil, errors.WithDetails(ErrUnknownDriver, "driver", name)
}

// environment returns the sorted child environment for a request. The host
// environment is never consulted.
func environment(req *Request, home string) map[string]string {
	env := map[string]string{
		"PATH": hostPath,
		"HOME": home,
		"USER": system.HomeUser,
		"LANG": "C",
	}
	for k, v := range req.Env {
		env[k] = v
	}
	return env
}

func flatten(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func validate(req *Request) error {
	if req.Root == "" {
		return errors.WithStack(ErrMissingRoot)
	}
	if req.Command == "" {
		return errors.WithStack(ErrMissingCommand)
	}
	return nil
}

// workdir returns the absolute working directory inside the root.
func workdir(req *Request) string {
	if req.Workdir == "" {
		return "/" + system.HomeDirectory
	}
	return path.Clean("/" + strings.TrimPrefix(req.Workdir, "/"))
}

// chrootDriver runs the program through chroot(8), optionally wrapped in
// fakechroot(1) so no privileges are required.
type chrootDriver struct {
	name   string
	binary string
	args   []string
	fake   bool
}

func (d *chrootDriver) Name() string   { return d.name }
func (d *chrootDriver) Binary() string { return d.binary }

func (d *chrootDriver) Tools() []string {
	if d.fake {
		return []string{d.binary, "chroot"}
	}
	return []string{d.binary}
}

func (d *chrootDriver) Command(req *Request) (*Invocation, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	args := append([]string{}, d.args...)
	if d.fake {
		args = append(args, "chroot")
	}
	args = append(args, req.Root, "/bin/sh", "-c", shim, workdir(req), req.Command)
	args = append(args, req.Args...)
	return &Invocation{
		Path: d.binary,
		Args: args,
		Env:  flatten(environment(req, "/"+system.HomeDirectory)),
	}, nil
}

// bwrapDriver runs the program in a bubblewrap sandbox with the staged root
// bind mounted as "/".
type bwrapDriver struct {
	binary string
	args   []string
}

func (d *bwrapDriver) Name() string    { return DriverBwrap }
func (d *bwrapDriver) Binary() string  { return d.binary }
func (d *bwrapDriver) Tools() []string { return []string{d.binary} }

func (d *bwrapDriver) Command(req *Request) (*Invocation, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	args := append([]string{}, d.args...)
	args = append(args,
		"--bind", req.Root, "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--unshare-all",
		"--die-with-parent",
		"--clearenv",
	)
	env := environment(req, "/"+system.HomeDirectory)
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--setenv", k, env[k])
	}
	args = append(args, "--chdir", workdir(req), "--", req.Command)
	args = append(args, req.Args...)

	return &Invocation{
		Path: d.binary,
		Args: args,
		// bwrap clears the environment for the child, this only keeps the
		// host environment out of the bwrap process itself.
		Env: []string{"PATH=" + hostPath},
	}, nil
}

// hostDriver runs the program directly on the host with its working
// directory and HOME pointed into the staged root. It provides no isolation
// whatsoever.
type hostDriver struct{}

func (hostDriver) Name() string    { return DriverNone }
func (hostDriver) Binary() string  { return "" }
func (hostDriver) Tools() []string { return nil }

func (hostDriver) Command(req *Request) (*Invocation, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	return &Invocation{
		Path: req.Command,
		Args: append([]string{}, req.Args...),
		Env:  flatten(environment(req, filepath.Join(req.Root, filepath.FromSlash(system.HomeDirectory)))),
		Dir:  filepath.Join(req.Root, filepath.FromSlash(workdir(req))),
	}, nil
}
