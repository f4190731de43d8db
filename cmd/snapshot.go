package cmd

import (
	"fmt"
	"io"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/pterodactyl/roottest/loggers/cli"
	"github.com/pterodactyl/roottest/suite"
	"github.com/pterodactyl/roottest/tree"
)

var strictSnapshotDiff = false

func newSnapshotCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot DIR",
		Short: "Print the fingerprint of every node below a directory",
		Args:  cobra.ExactArgs(1),
		PreRun: func(cmd *cobra.Command, args []string) {
			log.SetHandler(cli.Default)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := tree.Take(args[0])
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func newDiffCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "diff EXPECTED ACTUAL",
		Short: "Compare two directory trees the way a test result is compared",
		Args:  cobra.ExactArgs(2),
		PreRun: func(cmd *cobra.Command, args []string) {
			log.SetHandler(cli.Default)
		},
		RunE: diffCmdRun,
	}
	command.Flags().BoolVar(&strictSnapshotDiff, "strict-perms", false, "also compare permission bits")
	return command
}

func diffCmdRun(cmd *cobra.Command, args []string) error {
	expected, err := tree.Take(args[0])
	if err != nil {
		return errors.WrapIf(err, "failed to snapshot expected tree")
	}
	actual, err := tree.Take(args[1])
	if err != nil {
		return errors.WrapIf(err, "failed to snapshot actual tree")
	}
	diffs := tree.Compare(expected, actual, tree.Options{StrictPermissions: strictSnapshotDiff})
	for _, d := range diffs {
		fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", d.Kind, d)
	}
	if len(diffs) > 0 {
		exitCode = suite.ExitFailed
	}
	return nil
}

// printSnapshot writes one line per entry in path order. Files are shown
// with size and digest and links with their target.
func printSnapshot(w io.Writer, s *tree.Snapshot) {
	for _, p := range s.Paths() {
		e, _ := s.Get(p)
		var detail string
		switch {
		case e.Err != nil:
			detail = "error: " + e.Err.Error()
		case e.Kind == tree.KindFile:
			detail = fmt.Sprintf("%d %s", e.Size, e.Hash)
		case e.Kind == tree.KindSymlink:
			detail = "-> " + e.Target
		}
		fmt.Fprintf(w, "%-7s %s %s %s\n", e.Kind, e.Mode.Perm(), p, detail)
	}
}
