package warmfork

import (
	"syscall"

	libseccomp "github.com/seccomp/libseccomp-golang"
)

// installSeccompFilter installs a default-ALLOW filter with
// ERRNO(EPERM) rules for every name in names, per spec §4.F step 7.
// Names unresolvable on the running kernel are skipped; when
// failClosed is set, any other error aborts (the caller treats this as
// a setup failure).
func installSeccompFilter(names []string, failClosed bool) error {
	filter, err := libseccomp.NewFilter(libseccomp.ActAllow)
	if err != nil {
		if failClosed {
			return err
		}
		return nil
	}
	defer filter.Release()

	action := libseccomp.ActErrno.SetReturnCode(int16(syscall.EPERM))

	for _, name := range names {
		call, err := libseccomp.GetSyscallFromName(name)
		if err != nil {
			// Not resolvable on this kernel; skip per spec §4.F.
			continue
		}
		if err := filter.AddRule(call, action); err != nil {
			if failClosed {
				return err
			}
		}
	}

	if err := filter.Load(); err != nil {
		if failClosed {
			return err
		}
	}
	return nil
}
