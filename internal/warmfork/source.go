package warmfork

import _ "embed"

// harnessInMemorySource is the in-memory variant of the harness: it
// reads user code and test config from two pre-set globals instead of
// opening main.py/test_config.json, so the filesystem-deny seccomp
// profile never needs to permit a single open() call for the submitted
// program to run (spec §4.F step 9).
//
//go:embed harness_inmemory.py
var harnessInMemorySource string
