//go:build !unix

package lockfile

import "os"

// Platforms without flock run effectively single-process; the lock file
// still records daemon metadata but exclusion is not enforced.

func flockExclusive(_ *os.File) error {
	return nil
}

func flockUnlock(_ *os.File) error {
	return nil
}
