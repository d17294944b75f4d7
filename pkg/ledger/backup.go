package ledger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/calderahq/caldera/pkg/engine"
)

// CreateBackup copies the file at path into the backups directory and
// returns its BackupInfo. A missing target returns (nil, nil): many changes
// touch paths that do not pre-exist, and that is not an error.
//
// After the copy is fsynced, the checksums of copy and original are
// compared; a difference means something modified the original mid-copy, so
// the copy is deleted and BACKUP_CORRUPT returned rather than recording a
// backup that does not match what the change is about to replace.
func (l *Ledger) CreateBackup(path string) (*BackupInfo, error) {
	src, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, engine.Permanent(engine.CodePermissionDenied,
			fmt.Sprintf("cannot read %s for backup", path), err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, engine.Permanent(engine.CodeWriteFailed, "cannot stat backup source", err)
	}

	copyData, err := io.ReadAll(src)
	if err != nil {
		return nil, engine.Permanent(engine.CodeWriteFailed, "cannot read backup source", err)
	}
	checksum := hashBytes(copyData)

	// Backups are content-addressed and named by originating session.
	backupPath := filepath.Join(l.backupsDir,
		fmt.Sprintf("%s-%s-%s", shortID(l.session.ID), checksum[:12], filepath.Base(path)))

	dst, err := os.OpenFile(backupPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return nil, engine.Permanent(engine.CodeWriteFailed, "cannot create backup file", err)
	}

	if _, err := dst.Write(copyData); err != nil {
		dst.Close()
		os.Remove(backupPath)
		return nil, engine.Permanent(engine.CodeWriteFailed, "cannot write backup file", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(backupPath)
		return nil, engine.Permanent(engine.CodeWriteFailed, "cannot fsync backup file", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(backupPath)
		return nil, engine.Permanent(engine.CodeWriteFailed, "cannot close backup file", err)
	}

	// Preserve timestamps on the copy.
	_ = os.Chtimes(backupPath, time.Now(), info.ModTime())

	// Re-hash the original. A concurrent external modification during the
	// copy invalidates the backup.
	current, err := os.ReadFile(path)
	if err != nil {
		os.Remove(backupPath)
		return nil, engine.Permanent(engine.CodeWriteFailed, "cannot re-read backup source for verification", err)
	}
	if hashBytes(current) != checksum {
		os.Remove(backupPath)
		return nil, engine.Permanent(engine.CodeBackupCorrupt,
			fmt.Sprintf("%s changed while being backed up", path), nil)
	}

	return &BackupInfo{
		OriginalPath:    path,
		BackupPath:      backupPath,
		ContentChecksum: checksum,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// verifyBackups confirms every referenced backup exists with matching
// content.
func verifyBackups(backups []BackupInfo) error {
	for _, b := range backups {
		raw, err := os.ReadFile(b.BackupPath)
		if err != nil {
			return engine.Permanent(engine.CodeBackupMissing,
				fmt.Sprintf("backup file missing: %s", b.BackupPath), err)
		}
		if hashBytes(raw) != b.ContentChecksum {
			return engine.Permanent(engine.CodeBackupCorrupt,
				fmt.Sprintf("backup file corrupt: %s", b.BackupPath), nil)
		}
	}
	return nil
}

// shortID returns the first 8 characters of a session UUID for filenames.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
