// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package fdtab_test

import (
	"errors"
	"os"
	"testing"

	"github.com/membus/membus/fdtab"
)

func TestLocalTable(t *testing.T) {
	tab := fdtab.NewLocal()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	// Descriptors are assigned lowest-first.
	if fd := tab.Add(r); fd != 0 {
		t.Errorf("Add = %d, want 0", fd)
	}
	if got, err := tab.File(0); err != nil || got != r {
		t.Errorf("File(0) = %v, %v; want the added file", got, err)
	}
	if _, err := tab.File(1); !errors.Is(err, fdtab.ErrBadFD) {
		t.Errorf("File(1) = %v, want %v", err, fdtab.ErrBadFD)
	}

	// Reserved descriptors are skipped by later assignment and hold no
	// file until installed.
	fd, err := tab.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if fd != 1 {
		t.Errorf("Reserve = %d, want 1", fd)
	}
	if next := tab.Add(w); next != 2 {
		t.Errorf("Add after reserve = %d, want 2", next)
	}
	if _, err := tab.File(fd); !errors.Is(err, fdtab.ErrBadFD) {
		t.Errorf("File(reserved) = %v, want %v", err, fdtab.ErrBadFD)
	}

	if err := tab.Install(fd, w); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if got, err := tab.File(fd); err != nil || got != w {
		t.Errorf("File(%d) = %v, %v; want the installed file", fd, got, err)
	}

	// Installing into an unreserved slot is refused.
	if err := tab.Install(7, w); !errors.Is(err, fdtab.ErrBadFD) {
		t.Errorf("Install(7) = %v, want %v", err, fdtab.ErrBadFD)
	}

	// Put releases a reservation for reuse.
	fd2, _ := tab.Reserve()
	tab.Put(fd2)
	fd3, _ := tab.Reserve()
	if fd3 != fd2 {
		t.Errorf("Reserve after Put = %d, want %d", fd3, fd2)
	}

	// Releasing a file reference leaves the table's own entry intact.
	f, err := tab.File(0)
	if err != nil {
		t.Fatalf("File(0): %v", err)
	}
	tab.Release(f)
	if got, err := tab.File(0); err != nil || got != r {
		t.Errorf("File(0) after Release = %v, %v; want the added file", got, err)
	}
}
