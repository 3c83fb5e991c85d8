package warmfork

// denySyscalls is the default-ALLOW filter's ERRNO(EPERM) deny list,
// grounded on spec §4.F step 7's exact grouping. Names not resolvable
// on the running kernel are silently skipped when the filter is
// installed; rule-add failures for resolvable names abort under
// fail-closed.
func denySyscalls(denyFilesystem bool) []string {
	names := []string{
		// network
		"socket", "connect", "bind", "sendto", "sendmsg", "sendmmsg",
		"recvfrom", "recvmsg", "recvmmsg", "setsockopt", "accept", "accept4",
		"listen", "getsockname", "getpeername", "shutdown",

		// exec / tracing / namespaces / mounts
		"execve", "execveat", "ptrace",
		"unshare", "setns", "clone3",
		"mount", "umount2", "pivot_root", "chroot",

		// inter-process signaling and introspection
		"kill", "tkill", "tgkill", "pidfd_send_signal",
		"process_vm_readv", "process_vm_writev",
		"pidfd_open", "pidfd_getfd", "kcmp", "prlimit64",

		// high-risk kernel surfaces
		"bpf", "keyctl", "add_key", "request_key",
		"init_module", "finit_module", "delete_module",
		"kexec_load", "kexec_file_load",
		"open_by_handle_at",
		"io_uring_setup", "io_uring_enter", "io_uring_register",
		"userfaultfd", "perf_event_open",
	}

	if denyFilesystem {
		names = append(names,
			"open", "openat", "openat2", "creat",
			"stat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"readlink", "readlinkat",
			"getdents", "getdents64",
		)
	}

	return names
}
