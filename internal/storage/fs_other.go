// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !unix

package storage

import (
	"errors"
	"os"
	"path/filepath"
)

func freeSpace(string) (int64, error) {
	return -1, errors.New("free space is not supported on this platform")
}

// sameDevice compares volume names, which is what decides hardlink support on Windows.
func sameDevice(a, b string) (bool, error) {
	if _, err := os.Stat(a); err != nil {
		return false, err
	}
	return filepath.VolumeName(a) == filepath.VolumeName(b), nil
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	return errors.As(err, &linkErr)
}
