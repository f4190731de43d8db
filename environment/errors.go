package environment

import (
	"emperror.dev/errors"
)

var (
	ErrHomeIsSymlink     = errors.Sentinel("environment: home directory parent in root template is a symbolic link")
	ErrHomeNotDirectory  = errors.Sentinel("environment: home directory parent in root template is not a directory")
	ErrTemplateNotDir    = errors.Sentinel("environment: staging source is not a directory")
	ErrUnsupportedNode   = errors.Sentinel("environment: cannot copy device or socket")
	ErrStagingMismatch   = errors.Sentinel("environment: staged root does not match its sources")
	ErrScratchUnwritable = errors.Sentinel("environment: scratch directory could not be created")
)
