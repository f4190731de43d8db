package environment

import (
	"io/fs"
	"os"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/karrick/godirwalk"
	"golang.org/x/sys/unix"
)

// removeTree deletes the tree at p. A program under test is free to leave
// directories without write or execute permission behind, so owner access is
// restored on every directory before anything is removed. Removal is retried
// for a short while if the kernel reports the tree as busy, which happens
// when a killed process is still being reaped.
func removeTree(p string) error {
	if _, err := os.Lstat(p); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "environment: failed to stat tree for removal")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		makeWritable(p)
		err := os.RemoveAll(p)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if errors.Is(err, unix.ENOTEMPTY) || errors.Is(err, unix.EBUSY) {
			log.WithField("path", p).WithField("attempt", attempt).Debug("tree is busy, retrying removal")
			return err
		}
		return backoff.Permanent(err)
	}, b)
	if err != nil {
		return errors.Wrap(err, "environment: failed to remove tree")
	}
	return nil
}

// makeWritable gives the owner full access to every directory below p. This
// is best effort; anything it cannot fix is reported by the removal itself.
func makeWritable(p string) {
	_ = godirwalk.Walk(p, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, d *godirwalk.Dirent) error {
			if !d.IsDir() {
				return nil
			}
			st, err := os.Lstat(osPathname)
			if err != nil {
				return godirwalk.SkipThis
			}
			if st.Mode().Perm()&0o700 != 0o700 {
				if err := os.Chmod(osPathname, st.Mode().Perm()|0o700); err != nil {
					return godirwalk.SkipThis
				}
			}
			return nil
		},
		ErrorCallback: func(string, error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
}
