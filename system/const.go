package system

var (
	// The current version of this software.
	Version = "0.0.1"
)

const (
	// HomeDirectory is the location, relative to a staged root, where the
	// home_before directory of a test is copied before the program runs.
	HomeDirectory = "home/user"

	// HomeUser is the user name exposed to programs running in a sandbox.
	HomeUser = "user"
)
