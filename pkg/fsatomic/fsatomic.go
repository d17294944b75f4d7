// Package fsatomic implements the crash-safe write primitive shared by the
// state manager and the change ledger: write to a temp file in the target
// directory, fsync the file, rename over the target, fsync the directory.
// A reader observing the target path sees either the old content or the new
// content in full, never a partial write.
package fsatomic

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/calderahq/caldera/pkg/engine"
)

// MinFreeBytes is the free-space floor checked before any atomic write.
// State and ledger files are tiny; requiring a full MiB keeps us from
// consuming the last usable blocks of a nearly-full disk.
const MinFreeBytes = 1 << 20

// WriteFile atomically replaces the file at path with content.
//
// Guarantees: on any failure the original file is untouched; on success the
// file holds exactly content, even if the process is killed mid-call. The
// returned error carries engine.CodeDiskFull, engine.CodePermissionDenied,
// or engine.CodeWriteFailed so callers can distinguish the failure kinds.
func WriteFile(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	if err := checkFreeSpace(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return classifyWriteError("create temp file", err)
	}
	tmpPath := tmp.Name()

	// Any failure past this point must not leave the temp file behind.
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return classifyWriteError("write temp file", err)
	}

	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return classifyWriteError("chmod temp file", err)
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return classifyWriteError("fsync temp file", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return classifyWriteError("close temp file", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return classifyWriteError("rename temp file", err)
	}

	// The rename is durable only once the directory entry is flushed.
	if err := syncDir(dir); err != nil {
		return classifyWriteError("fsync directory", err)
	}

	return nil
}

// AppendLine atomically appends a single line to the file at path using the
// same temp-write-rename discipline as WriteFile. The file is rewritten in
// full, which keeps appends crash-safe at the cost of O(file size) per
// append; ledger files are small enough that this is the right trade.
func AppendLine(path string, line []byte, perm os.FileMode) error {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return classifyWriteError("read existing file", err)
	}

	buf := make([]byte, 0, len(existing)+len(line)+1)
	buf = append(buf, existing...)
	buf = append(buf, line...)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		buf = append(buf, '\n')
	}

	return WriteFile(path, buf, perm)
}

// checkFreeSpace fails with DISK_FULL when the target filesystem has less
// than MinFreeBytes available to the calling user.
func checkFreeSpace(dir string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		// Statfs failing is a write-environment problem, not disk-full.
		return classifyWriteError("statfs target directory", err)
	}

	free := st.Bavail * uint64(st.Bsize)
	if free < MinFreeBytes {
		return engine.Permanent(engine.CodeDiskFull,
			fmt.Sprintf("insufficient free space in %s: %d bytes available, %d required", dir, free, uint64(MinFreeBytes)),
			nil)
	}
	return nil
}

// syncDir fsyncs a directory so a completed rename survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// classifyWriteError maps an OS error to the persistence error taxonomy.
func classifyWriteError(op string, err error) error {
	switch {
	case errors.Is(err, unix.ENOSPC):
		return engine.Permanent(engine.CodeDiskFull, op+" failed: disk full", err)
	case errors.Is(err, os.ErrPermission):
		return engine.Permanent(engine.CodePermissionDenied, op+" failed: permission denied", err)
	default:
		return engine.Permanent(engine.CodeWriteFailed, op+" failed", err)
	}
}
