//go:build !unix

package lock

import "os"

// Advisory locking is unavailable; the lock file is informational only.
func tryLock(*os.File) error { return nil }

func unlock(*os.File) error { return nil }
