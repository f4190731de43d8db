package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"

	"github.com/pterodactyl/roottest/config"
	"github.com/pterodactyl/roottest/environment"
	"github.com/pterodactyl/roottest/loggers/cli"
	"github.com/pterodactyl/roottest/sandbox"
	"github.com/pterodactyl/roottest/suite"
	"github.com/pterodactyl/roottest/system"
)

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report whether this host is able to run roottests",
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			log.SetHandler(cli.Default)
			log.SetLevel(logLevel(debug))
		},
		RunE: doctorCmdRun,
	}
}

// doctorCmdRun checks the host for everything a run depends on:
//   - the tools of every sandbox driver
//   - a writable scratch directory
//   - a working copy tool
//
// Only problems with the configured driver or the scratch directory make the
// command fail, other drivers are listed for information.
func doctorCmdRun(cmd *cobra.Command, args []string) error {
	c, err := readConfiguration(cmd)
	if err != nil {
		return err
	}

	out := &strings.Builder{}
	healthy := true

	fmt.Fprintln(out, "Roottest - Host Report")
	printHeader(out, "Versions")
	if info, err := system.GetSystemInformation(); err != nil {
		log.WithField("error", err).Warn("failed to read system information")
	} else {
		fmt.Fprintln(out, "            Roottest:", info.Version)
		fmt.Fprintln(out, "              Kernel:", info.KernelVersion)
		fmt.Fprintln(out, "                  OS:", system.FirstNotEmpty(info.Distribution, info.OS))
		fmt.Fprintln(out, "        Architecture:", info.Architecture)
		fmt.Fprintln(out, "                CPUs:", info.CpuCount)
	}

	printHeader(out, "Configuration")
	fmt.Fprintln(out, "         Config File:", c.GetPath())
	fmt.Fprintln(out, "          Tests Root:", c.TestsRoot)
	fmt.Fprintln(out, "   Scratch Directory:", c.ScratchDirectory)
	fmt.Fprintln(out, "                Jobs:", c.Jobs)
	fmt.Fprintln(out, "     Default Timeout:", c.DefaultTimeout)
	fmt.Fprintln(out, "               Scope:", c.Compare.Scope)
	fmt.Fprintln(out, "           Copy Tool:", c.Copy.Tool)

	printHeader(out, "Sandbox Drivers")
	for _, name := range []string{sandbox.DriverFakechroot, sandbox.DriverChroot, sandbox.DriverBwrap, sandbox.DriverNone} {
		binary, args := "", []string(nil)
		if name == c.Sandbox.Driver {
			binary, args = c.Sandbox.Binary, c.Sandbox.Args
		}
		d, err := sandbox.NewDriver(name, binary, args)
		if err != nil {
			return err
		}
		marker := " "
		if name == c.Sandbox.Driver {
			marker = "*"
		}
		if err := sandbox.NewRunner(d).Preflight(); err != nil {
			if name == c.Sandbox.Driver {
				healthy = false
			}
			fmt.Fprintf(out, "%s %-12s %s\n", marker, name, colorize("[red]unavailable[reset] ("+strings.Join(d.Tools(), ", ")+")"))
			continue
		}
		fmt.Fprintf(out, "%s %-12s %s\n", marker, name, colorize("[green]ok[reset]"))
	}

	printHeader(out, "Staging")
	if err := checkStaging(cmd, c); err != nil {
		healthy = false
		fmt.Fprintln(out, colorize("[red]staging failed:[reset] "+err.Error()))
	} else {
		fmt.Fprintln(out, colorize("[green]staged and removed a test root in "+c.ScratchDirectory+"[reset]"))
	}

	fmt.Fprintln(out)
	if healthy {
		fmt.Fprintln(out, colorize("[bold][green]This host is able to run roottests.[reset]"))
	} else {
		fmt.Fprintln(out, colorize("[bold][red]This host is not able to run roottests with the current configuration.[reset]"))
		exitCode = suite.ExitErrored
	}
	fmt.Fprint(cmd.OutOrStdout(), out.String())
	return nil
}

// checkStaging stages and tears down a root built from two empty
// directories, which exercises the scratch directory and the copy tool.
func checkStaging(cmd *cobra.Command, c *config.Configuration) error {
	src, err := os.MkdirTemp("", "roottest-doctor-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(src)
	template, home := filepath.Join(src, "root"), filepath.Join(src, "home")
	for _, p := range []string{template, home} {
		if err := os.Mkdir(p, 0o755); err != nil {
			return err
		}
	}

	s := environment.NewStager(c.ScratchDirectory, environment.WithCopier(newCopier(c)), environment.WithVerification(true))

	start := time.Now()
	r, err := s.Stage(cmd.Context(), "doctor", template, home)
	if err != nil {
		return err
	}
	log.WithField("duration", time.Since(start)).Debug("staged doctor root")
	return r.Teardown()
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, "\n|\n|", title)
	fmt.Fprintln(w, "| ------------------------------")
}

func colorize(s string) string {
	c := colorstring.Colorize{Colors: colorstring.DefaultColors, Reset: true, Disable: color.NoColor}
	return c.Color(s)
}
