// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fdtab

import (
	"os"

	"golang.org/x/sys/unix"
)

// System returns a Table backed by the process file-descriptor table.
//
// Reserve opens /dev/null with close-on-exec to pin a descriptor number;
// Install replaces the placeholder with a duplicate of the file, keeping
// close-on-exec set.
func System() Table { return system{} }

type system struct{}

// Reserve implements part of the Table interface.
func (system) Reserve() (int, error) {
	return unix.Open(os.DevNull, unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

// Install implements part of the Table interface.
func (system) Install(fd int, f *os.File) error {
	return unix.Dup3(int(f.Fd()), fd, unix.O_CLOEXEC)
}

// Put implements part of the Table interface.
func (system) Put(fd int) { unix.Close(fd) }

// File implements part of the Table interface. The returned file is a
// duplicate owned by the caller; Release closes it.
func (system) File(fd int) (*os.File, error) {
	nfd, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(nfd)
	return os.NewFile(uintptr(nfd), ""), nil
}

// Release implements part of the Table interface.
func (system) Release(f *os.File) { f.Close() }
