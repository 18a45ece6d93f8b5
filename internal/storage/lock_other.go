//go:build !unix

package storage

import "os"

// Without flock the file backend is only safe for a single writer process.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
