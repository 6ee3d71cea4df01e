// Package journal keeps an append-only on-disk log of emitted payloads.
package journal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

const recordHeaderLen = 12

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal: closed")

// FileJournal frames each record as [8 byte id][4 byte len][json]. A torn
// tail left by a crash is truncated on open.
type FileJournal struct {
	mu        sync.Mutex
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    ports.EntryID
	committed ports.EntryID
	sizeBytes int64
	closed    bool
}

func Open(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "payloads.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	j := &FileJournal{
		path:     path,
		metaPath: filepath.Join(dir, "payloads.meta"),
		file:     f,
		writer:   bufio.NewWriterSize(f, 64<<10),
	}
	if err := j.recover(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

func (j *FileJournal) recover() error {
	valid, lastID, err := scan(j.path, func(ports.EntryID, []byte) error { return nil })
	if err != nil {
		return err
	}
	if err := j.file.Truncate(valid); err != nil {
		return err
	}
	j.sizeBytes = valid
	j.nextID = lastID

	if err := j.loadCommitted(); err != nil {
		return err
	}
	if j.nextID < j.committed {
		j.nextID = j.committed
	}
	_, err = j.file.Seek(0, io.SeekEnd)
	return err
}

// scan walks every complete frame and returns the offset just past the
// last one along with its id.
func scan(path string, fn func(id ports.EntryID, body []byte) error) (int64, ports.EntryID, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		offset int64
		lastID ports.EntryID
	)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, lastID, nil
			}
			return offset, lastID, fmt.Errorf("journal scan header: %w", err)
		}
		id := ports.EntryID(binary.BigEndian.Uint64(hdr[0:8]))
		body := make([]byte, binary.BigEndian.Uint32(hdr[8:12]))
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, lastID, nil
			}
			return offset, lastID, fmt.Errorf("journal scan body: %w", err)
		}
		if err := fn(id, body); err != nil {
			return offset, lastID, err
		}
		offset += recordHeaderLen + int64(len(body))
		lastID = id
	}
}

func (j *FileJournal) loadCommitted() error {
	data, err := os.ReadFile(j.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("journal meta parse: %w", err)
	}
	j.committed = ports.EntryID(u)
	return nil
}

// Append writes r and returns its id. A record without a CID gets one.
func (j *FileJournal) Append(r *domain.Record) (ports.EntryID, error) {
	if r.CID == "" {
		c, err := PayloadCID(r.Payload)
		if err != nil {
			return 0, err
		}
		r.CID = c
	}
	b, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	id := j.nextID + 1
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

	if _, err := j.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := j.writer.Write(b); err != nil {
		return 0, err
	}

	j.nextID = id
	j.sizeBytes += int64(len(b) + len(hdr))
	return id, nil
}

// Iterate calls fn for every record with id >= from, verifying each
// record's CID on the way.
func (j *FileJournal) Iterate(from ports.EntryID, fn func(id ports.EntryID, r *domain.Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}

	_, _, err := scan(j.path, func(id ports.EntryID, body []byte) error {
		if id < from {
			return nil
		}
		var r domain.Record
		if err := json.Unmarshal(body, &r); err != nil {
			return fmt.Errorf("corrupt journal entry %d: %w", id, err)
		}
		if err := VerifyCID(&r); err != nil {
			return fmt.Errorf("journal entry %d: %w", id, err)
		}
		return fn(id, &r)
	})
	return err
}

// Recent returns up to n of the newest records, oldest first.
func (j *FileJournal) Recent(n int) ([]*domain.Record, error) {
	if n <= 0 {
		return nil, nil
	}
	j.mu.Lock()
	latest := j.nextID
	j.mu.Unlock()

	var from ports.EntryID = 1
	if latest > ports.EntryID(n) {
		from = latest - ports.EntryID(n) + 1
	}
	out := make([]*domain.Record, 0, n)
	err := j.Iterate(from, func(_ ports.EntryID, r *domain.Record) error {
		out = append(out, r)
		return nil
	})
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, err
}

// Commit marks everything up to and including upto as delivered and syncs
// the log to disk.
func (j *FileJournal) Commit(upto ports.EntryID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	if upto > j.committed {
		j.committed = upto
	}
	return os.WriteFile(j.metaPath, []byte(fmt.Sprintf("%d\n", j.committed)), 0o644)
}

func (j *FileJournal) Stats() ports.JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ports.JournalStats{
		OldestUncommitted: j.committed + 1,
		LatestAppended:    j.nextID,
		SizeBytes:         j.sizeBytes,
	}
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return errors.Join(j.writer.Flush(), j.file.Close())
}

var _ ports.Journal = (*FileJournal)(nil)
