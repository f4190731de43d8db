package cmd

import (
	"os"
	"path/filepath"

	"emperror.dev/errors"

	"github.com/pterodactyl/roottest/config"
)

// findConfiguration looks for the default configuration file in the working
// directory and every one of its parents, so a suite can be run from any
// directory inside a project.
//
// This only runs if the configuration flag was not passed on the command
// line. When nothing is found the default location is returned, which the
// configuration loader treats as "use the defaults".
func findConfiguration() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", errors.WithStack(err)
	}
	for {
		p := filepath.Join(dir, config.DefaultLocation)
		if s, err := os.Stat(p); err != nil {
			if !os.IsNotExist(err) {
				return "", errors.WithStack(err)
			}
		} else if !s.IsDir() {
			return p, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return config.DefaultLocation, nil
		}
		dir = parent
	}
}
