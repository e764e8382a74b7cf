package storage

import (
	"fmt"
	"io"
	"os"
)

// LogFile is the append-only file backing one page: a sequence of framed
// Records as described in §3/§4.2. Appends never seek — the file is opened
// O_APPEND so every write lands at the current end of file — and are O(1).
type LogFile struct {
	path         string
	f            *os.File
	offset       int64 // end of file as tracked by this process
	syncedOffset int64 // offset considered flushed: advanced by Append and by Sync
	poisoned     bool
}

// OpenLogFile opens (creating if necessary) the log file at path.
func OpenLogFile(path string) (*LogFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open log file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: stat log file %s: %w", path, err)
	}

	return &LogFile{
		path:         path,
		f:            f,
		offset:       info.Size(),
		syncedOffset: info.Size(),
	}, nil
}

// Path returns the log file's current on-disk path.
func (lf *LogFile) Path() string { return lf.path }

// Poisoned reports whether a prior I/O failure has disabled further writes.
func (lf *LogFile) Poisoned() bool { return lf.poisoned }

// SyncedOffset is the offset considered flushed. Append advances it as
// soon as the write returns (the `default` durability rule, see Append),
// so it does not by itself show that an fsync happened; Sync advances it
// after an fsync.
func (lf *LogFile) SyncedOffset() int64 { return lf.syncedOffset }

// Offset is the current end-of-file offset, synced or not.
func (lf *LogFile) Offset() int64 { return lf.offset }

// Append writes one record to the end of the log and returns the new
// end-of-file offset. On I/O failure the log file is marked poisoned and
// every subsequent Append/Sync fails immediately (§4.2 Failure).
func (lf *LogFile) Append(r Record) (int64, error) {
	if lf.poisoned {
		return lf.offset, errPoisoned(lf.path)
	}

	buf, err := encodeRecord(r)
	if err != nil {
		return lf.offset, errIO(lf.path, err)
	}

	n, err := lf.f.Write(buf)
	if err != nil {
		lf.poisoned = true
		return lf.offset, errIO(lf.path, fmt.Errorf("append: %w", err))
	}
	lf.offset += int64(n)

	// default durability: appends are considered flushed to the OS page
	// cache as soon as Write returns (§4.5 Writeback).
	lf.syncedOffset = lf.offset

	return lf.offset, nil
}

// Sync forces the log file to stable storage (strict durability, §4.5).
func (lf *LogFile) Sync() error {
	if lf.poisoned {
		return errPoisoned(lf.path)
	}
	if err := lf.f.Sync(); err != nil {
		lf.poisoned = true
		return errIO(lf.path, fmt.Errorf("sync: %w", err))
	}
	lf.syncedOffset = lf.offset
	return nil
}

// ReplayResult is the outcome of scanning a log file from the start.
type ReplayResult struct {
	Records   []Record
	Truncated bool  // a trailing partial record was found and dropped
	DroppedAt int64 // offset at which the partial record began, if Truncated
}

// Replay scans the log file from the beginning and returns every complete
// record in apply order. A trailing partial record (a torn write) truncates
// the file to the last complete record, per §4.2's torn-write tolerance.
func (lf *LogFile) Replay() (ReplayResult, error) {
	if _, err := lf.f.Seek(0, io.SeekStart); err != nil {
		return ReplayResult{}, errIO(lf.path, fmt.Errorf("seek: %w", err))
	}

	raw, err := io.ReadAll(lf.f)
	if err != nil {
		return ReplayResult{}, errIO(lf.path, fmt.Errorf("read: %w", err))
	}
	// Reposition for subsequent appends (O_APPEND ignores the file offset
	// for writes, but keep the read cursor tidy for any future reads).
	if _, err := lf.f.Seek(0, io.SeekEnd); err != nil {
		return ReplayResult{}, errIO(lf.path, fmt.Errorf("seek: %w", err))
	}

	var (
		records []Record
		pos     int64
	)

	for pos < int64(len(raw)) {
		if len(raw)-int(pos) < 4 {
			break // incomplete length prefix: torn write
		}
		body := int64(le32(raw[pos : pos+4]))
		start := pos + 4
		end := start + body
		if end > int64(len(raw)) {
			break // incomplete record body: torn write
		}

		rec, err := decodeRecord(raw[start:end])
		if err != nil {
			// A complete-looking but corrupt frame is treated the same as
			// a torn write: stop here rather than risk misreading the rest.
			break
		}
		records = append(records, rec)
		pos = end
	}

	result := ReplayResult{Records: records}
	if pos < int64(len(raw)) {
		result.Truncated = true
		result.DroppedAt = pos
		if err := lf.f.Truncate(pos); err != nil {
			return result, errIO(lf.path, fmt.Errorf("truncate torn tail: %w", err))
		}
		lf.offset = pos
		lf.syncedOffset = pos
		if _, err := lf.f.Seek(0, io.SeekEnd); err != nil {
			return result, errIO(lf.path, fmt.Errorf("seek: %w", err))
		}
	}

	return result, nil
}

// Retire renames the log file to "<path>.old", keeping the open file handle
// valid (rename does not invalidate an open fd). Used after a split: the
// parent page's log is retired but, if it still holds a sentinel entry, is
// still appended to and still replayed (§4.3, §4.8).
func (lf *LogFile) Retire() error {
	retiredPath := lf.path + ".old"
	if err := os.Rename(lf.path, retiredPath); err != nil {
		return errIO(lf.path, fmt.Errorf("retire: %w", err))
	}
	lf.path = retiredPath
	return nil
}

// Close closes the underlying file handle.
func (lf *LogFile) Close() error {
	return lf.f.Close()
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
