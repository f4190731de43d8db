package system

import (
	"runtime"

	"emperror.dev/errors"
	"github.com/acobaugh/osrelease"
	"golang.org/x/sys/unix"
)

type Information struct {
	Version       string `json:"version"`
	KernelVersion string `json:"kernel_version"`
	Architecture  string `json:"architecture"`
	OS            string `json:"os"`
	Distribution  string `json:"distribution"`
	CpuCount      int    `json:"cpu_count"`
}

func GetSystemInformation() (*Information, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil, errors.Wrap(err, "system: failed to read kernel information")
	}

	s := &Information{
		Version:       Version,
		KernelVersion: unix.ByteSliceToString(uts.Release[:]),
		Architecture:  runtime.GOARCH,
		OS:            runtime.GOOS,
		CpuCount:      runtime.NumCPU(),
	}

	// A missing os-release file is common in minimal containers, it is not
	// worth failing over.
	if release, err := osrelease.Read(); err == nil {
		s.Distribution = FirstNotEmpty(release["PRETTY_NAME"], release["NAME"], release["ID"])
	}

	return s, nil
}
