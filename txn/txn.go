// Package txn implements the transaction journal of spec.md §4.9: every
// revlog a command writes to records its pre-transaction length before
// the first write; on commit the journal is renamed to an undo file
// enabling one-step rollback, and on abort (explicit or recovered after
// a crash) every tracked file is truncated back to its recorded length.
// Files that cannot be meaningfully truncated (fncache, phase roots)
// are captured as full-content backups instead.
//
// Grounded on the teacher's journal package: a single append-only
// writer opened once per operation (CreateJournal/WriteHeader), here
// generalized from writing domain records (db.rev, db.change) to
// writing the bookkeeping records a rollback needs, and the rename-to-
// undo/truncate-to-recover mechanics spec.md §4.9 specifies on top.
package txn

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rcowham/vcscore/apperr"
)

// Revlog is the subset of *revlog.Revlog a transaction needs: its two
// file paths (for journal identity) and its length/truncate pair.
type Revlog interface {
	IndexPath() string
	DataPath() string
	Lengths() (indexLen, dataLen int64, err error)
	Truncate(indexLen, dataLen int64) error
}

const (
	recordKindRevlog = "revlog"
	recordKindBackup = "backup"
)

type revlogRecord struct {
	rl                 Revlog
	indexPath, dataPath string
	indexLen, dataLen   int64
}

type backupRecord struct {
	path string
	data []byte
}

// Transaction journals every write a single logical operation makes so
// it can be rolled back as a unit. Callers must hold the store lock for
// the transaction's entire lifetime (spec.md §4.9).
type Transaction struct {
	journalPath string
	undoPath    string
	f           *os.File
	revlogs     []revlogRecord
	backups     []backupRecord
	open        bool
}

// Begin opens a new transaction, creating journalPath (truncating any
// stale content left by a previously-recovered crash).
func Begin(journalPath, undoPath string) (*Transaction, error) {
	f, err := os.Create(journalPath)
	if err != nil {
		return nil, apperr.NewStateError("txn: cannot create journal %s: %v", journalPath, err)
	}
	return &Transaction{journalPath: journalPath, undoPath: undoPath, f: f, open: true}, nil
}

// Track records rl's current length so Abort can restore it. Track must
// be called before the first write a transaction makes to rl.
func (t *Transaction) Track(rl Revlog) error {
	if !t.open {
		return apperr.NewStateError("txn: transaction is not open")
	}
	indexLen, dataLen, err := rl.Lengths()
	if err != nil {
		return apperr.NewStateError("txn: cannot stat %s: %v", rl.IndexPath(), err)
	}
	rec := revlogRecord{rl: rl, indexPath: rl.IndexPath(), dataPath: rl.DataPath(), indexLen: indexLen, dataLen: dataLen}
	t.revlogs = append(t.revlogs, rec)
	line := fmt.Sprintf("%s\t%s\t%s\t%d\t%d\n", recordKindRevlog, rec.indexPath, rec.dataPath, rec.indexLen, rec.dataLen)
	if _, err := t.f.WriteString(line); err != nil {
		return apperr.NewStateError("txn: cannot write journal entry: %v", err)
	}
	return t.f.Sync()
}

// BackupFile records path's current full content so Abort can restore
// it verbatim, for files whose format has no truncation point (the
// fncache, phase root lists).
func (t *Transaction) BackupFile(path string) error {
	if !t.open {
		return apperr.NewStateError("txn: transaction is not open")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			return apperr.NewStateError("txn: cannot read %s for backup: %v", path, err)
		}
	}
	t.backups = append(t.backups, backupRecord{path: path, data: data})
	line := fmt.Sprintf("%s\t%s\t%d\n", recordKindBackup, path, len(data))
	if _, err := t.f.WriteString(line); err != nil {
		return apperr.NewStateError("txn: cannot write journal entry: %v", err)
	}
	if len(data) > 0 {
		backupPath := path + ".txnbackup"
		if err := os.WriteFile(backupPath, data, 0o644); err != nil {
			return apperr.NewStateError("txn: cannot write backup for %s: %v", path, err)
		}
	}
	return t.f.Sync()
}

// Commit closes out the transaction successfully: the journal is
// renamed to the undo file (enabling a later one-step `repo undo`) and
// any on-disk backup copies are discarded.
func (t *Transaction) Commit() error {
	if !t.open {
		return apperr.NewStateError("txn: transaction is not open")
	}
	t.open = false
	if err := t.f.Close(); err != nil {
		return apperr.NewStateError("txn: cannot close journal: %v", err)
	}
	for _, b := range t.backups {
		os.Remove(b.path + ".txnbackup")
	}
	if t.undoPath == "" {
		return os.Remove(t.journalPath)
	}
	return os.Rename(t.journalPath, t.undoPath)
}

// Abort rolls back every tracked write: revlogs are truncated to their
// recorded pre-transaction length, backed-up files are restored
// verbatim, and the journal is removed.
func (t *Transaction) Abort() error {
	if !t.open {
		return apperr.NewStateError("txn: transaction is not open")
	}
	t.open = false
	t.f.Close()
	var firstErr error
	for _, rec := range t.revlogs {
		if err := rec.rl.Truncate(rec.indexLen, rec.dataLen); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, b := range t.backups {
		if err := restoreBackup(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.Remove(t.journalPath); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func restoreBackup(b backupRecord) error {
	if len(b.data) == 0 {
		return os.Remove(b.path)
	}
	return os.WriteFile(b.path, b.data, 0o644)
}

// Recover runs crash recovery for a journal left behind by a process
// that died mid-transaction: it parses journalPath, truncates every
// named revlog back to its recorded length, restores any backed-up
// files, then removes the journal. lookup resolves an index path
// recorded in the journal to a Revlog the caller has already opened;
// that Revlog's Truncate is used, so its in-memory record cache is
// reloaded consistently with the file. A revlog lookup does not find
// has its index and data files truncated directly.
func Recover(journalPath string, lookup func(indexPath string) (Revlog, bool)) error {
	f, err := os.Open(journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.NewStateError("txn: cannot open journal %s: %v", journalPath, err)
	}
	defer f.Close()

	var firstErr error
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case recordKindRevlog:
			if len(fields) != 5 {
				continue
			}
			indexPath, dataPath := fields[1], fields[2]
			indexLen, err1 := strconv.ParseInt(fields[3], 10, 64)
			dataLen, err2 := strconv.ParseInt(fields[4], 10, 64)
			if err1 != nil || err2 != nil {
				continue
			}
			if rl, ok := lookup(indexPath); ok {
				if err := rl.Truncate(indexLen, dataLen); err != nil && firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := os.Truncate(indexPath, indexLen); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
			if err := os.Truncate(dataPath, dataLen); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
		case recordKindBackup:
			if len(fields) != 3 {
				continue
			}
			path := fields[1]
			backupPath := path + ".txnbackup"
			data, err := os.ReadFile(backupPath)
			if err != nil {
				if os.IsNotExist(err) {
					os.Remove(path)
				} else if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := os.WriteFile(path, data, 0o644); err != nil && firstErr == nil {
				firstErr = err
			}
			os.Remove(backupPath)
		}
	}
	if err := scanner.Err(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := os.Remove(journalPath); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
