package environment

import (
	"context"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/karrick/godirwalk"
	"golang.org/x/sys/unix"
)

// modeMask is the part of a file mode that is carried over to the copy.
const modeMask = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// Copier recursively copies the directory at src to dst. The destination must
// not exist yet; it is created as part of the copy. Implementations preserve
// file contents, permission bits, symbolic links (verbatim, never followed),
// named pipes and modification times.
type Copier interface {
	Copy(ctx context.Context, src, dst string) error
}

// CommandCopier copies a tree by running "cp -a". This is the default copier
// since it handles every node type the host supports.
type CommandCopier struct {
	// Binary is the copy tool to execute. Defaults to "cp" resolved on PATH.
	Binary string
	// Args replaces the default "-a" flag.
	Args []string
}

var _ Copier = (*CommandCopier)(nil)

func (c *CommandCopier) Copy(ctx context.Context, src, dst string) error {
	bin := c.Binary
	if bin == "" {
		bin = "cp"
	}
	args := c.Args
	if len(args) == 0 {
		args = []string{"-a"}
	}
	args = append(append([]string{}, args...), "--", src, dst)

	cmd := exec.CommandContext(ctx, bin, args...)
	if _, err := cmd.Output(); err != nil {
		msg := "environment: failed to copy " + src
		if v, ok := err.(*exec.ExitError); ok {
			msg = msg + ": " + strings.Trim(string(v.Stderr), ".\n")
		}
		return errors.Wrap(err, msg)
	}
	return nil
}

// NativeCopier copies a tree without shelling out. Device files and sockets
// are not supported and abort the copy with ErrUnsupportedNode.
type NativeCopier struct{}

var _ Copier = NativeCopier{}

func (NativeCopier) Copy(ctx context.Context, src, dst string) error {
	src = filepath.Clean(src)
	target := func(p string) string {
		rel, _ := filepath.Rel(src, p)
		return filepath.Join(dst, rel)
	}

	err := godirwalk.Walk(src, &godirwalk.Options{
		Unsorted: true,
		Callback: func(p string, d *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			st, err := os.Lstat(p)
			if err != nil {
				return err
			}
			return copyNode(p, target(p), st)
		},
		// Directory modes and times are applied once their children have been
		// written, otherwise a read-only directory could not be populated and
		// every child would bump its modification time.
		PostChildrenCallback: func(p string, d *godirwalk.Dirent) error {
			st, err := os.Lstat(p)
			if err != nil {
				return err
			}
			t := target(p)
			if err := os.Chmod(t, st.Mode()&modeMask); err != nil {
				return err
			}
			return os.Chtimes(t, st.ModTime(), st.ModTime())
		},
		ErrorCallback: func(p string, err error) godirwalk.ErrorAction {
			return godirwalk.Halt
		},
	})
	if err != nil {
		return errors.Wrap(err, "environment: failed to copy "+src)
	}
	return nil
}

func copyNode(p, t string, st fs.FileInfo) error {
	mode := st.Mode()
	switch {
	case mode.IsDir():
		// Owner access is needed until the children are in place.
		return os.Mkdir(t, 0o700)
	case mode.IsRegular():
		if err := copyFile(p, t); err != nil {
			return err
		}
	case mode&fs.ModeSymlink != 0:
		link, err := os.Readlink(p)
		if err != nil {
			return err
		}
		if err := os.Symlink(link, t); err != nil {
			return err
		}
		return lchtimes(t, st.ModTime())
	case mode&fs.ModeNamedPipe != 0:
		if err := unix.Mkfifo(t, uint32(mode.Perm())); err != nil {
			return &os.PathError{Op: "mkfifo", Path: t, Err: err}
		}
	default:
		return errors.WithDetails(ErrUnsupportedNode, "path", p, "mode", mode.String())
	}
	if err := os.Chmod(t, mode&modeMask); err != nil {
		return err
	}
	return os.Chtimes(t, st.ModTime(), st.ModTime())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// lchtimes sets the modification time of a symbolic link itself.
func lchtimes(p string, t time.Time) error {
	ts := []unix.Timespec{unix.NsecToTimespec(t.UnixNano()), unix.NsecToTimespec(t.UnixNano())}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, p, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return &os.PathError{Op: "lutimes", Path: p, Err: err}
	}
	return nil
}
