package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hutchhq/hutch/pkg/types"
)

const segmentPrefix = "events-"
const segmentSuffix = ".log"

// segmentInfo describes one on-disk segment file. Rotated segments are
// immutable and always fully synced; only the newest segment accepts writes.
type segmentInfo struct {
	seq    int
	path   string
	events int
	bytes  int64
}

// segmentLog is the append-only JSONL persistence behind the store. One line
// per event; rotation at maxBytes; oldest rotated segments removed by trim.
// All methods are called from the store's single persistence loop, so no
// locking happens here.
type segmentLog struct {
	dir      string
	maxBytes int64

	active   *os.File
	w        *bufio.Writer
	size     int64
	events   int
	seq      int
	rotated  []segmentInfo
	unsynced bool
}

func segmentName(seq int) string {
	return fmt.Sprintf("%s%08d%s", segmentPrefix, seq, segmentSuffix)
}

func parseSegmentSeq(name string) (int, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	seq, err := strconv.Atoi(mid)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// openSegmentLog opens dir (creating it), replays every existing segment in
// sequence order and returns the recovered events in append order. The
// newest segment is reopened for appending when it still has room.
func openSegmentLog(dir string, maxBytes int64) (*segmentLog, []*types.Event, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create events dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read events dir: %w", err)
	}

	var infos []segmentInfo
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		seq, ok := parseSegmentSeq(ent.Name())
		if !ok {
			continue
		}
		infos = append(infos, segmentInfo{seq: seq, path: filepath.Join(dir, ent.Name())})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].seq < infos[j].seq })

	l := &segmentLog{dir: dir, maxBytes: maxBytes}

	var recovered []*types.Event
	for i := range infos {
		evs, bytes, err := readSegment(infos[i].path)
		if err != nil {
			return nil, nil, err
		}
		infos[i].events = len(evs)
		infos[i].bytes = bytes
		recovered = append(recovered, evs...)
	}

	if n := len(infos); n > 0 {
		last := infos[n-1]
		l.rotated = infos[:n-1]
		l.seq = last.seq
		if last.bytes < maxBytes {
			f, err := os.OpenFile(last.path, os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return nil, nil, fmt.Errorf("reopen segment: %w", err)
			}
			l.active = f
			l.w = bufio.NewWriter(f)
			l.size = last.bytes
			l.events = last.events
		} else {
			l.rotated = infos
			if err := l.openNext(); err != nil {
				return nil, nil, err
			}
		}
	} else {
		if err := l.openNext(); err != nil {
			return nil, nil, err
		}
	}

	return l, recovered, nil
}

// readSegment parses one JSONL segment. A corrupt line ends the replay of
// that file (torn final write after a crash); everything before it is kept.
func readSegment(path string) ([]*types.Event, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	var (
		evs   []*types.Event
		bytes int64
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		var e types.Event
		if err := json.Unmarshal(line, &e); err != nil {
			break
		}
		ev := e
		evs = append(evs, &ev)
		bytes += int64(len(line)) + 1
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan segment %s: %w", path, err)
	}
	return evs, bytes, nil
}

func (l *segmentLog) openNext() error {
	l.seq++
	path := filepath.Join(l.dir, segmentName(l.seq))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	l.active = f
	l.w = bufio.NewWriter(f)
	l.size = 0
	l.events = 0
	return nil
}

// append writes one event line and rotates when the active segment is full.
// Rotation syncs the outgoing file, so every rotated segment is durable.
func (l *segmentLog) append(e *types.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", e.ID, err)
	}
	line = append(line, '\n')
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("append event %d: %w", e.ID, err)
	}
	l.size += int64(len(line))
	l.events++
	l.unsynced = true

	if l.size >= l.maxBytes {
		return l.rotate()
	}
	return nil
}

func (l *segmentLog) rotate() error {
	if err := l.sync(); err != nil {
		return err
	}
	path := l.active.Name()
	if err := l.active.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	l.rotated = append(l.rotated, segmentInfo{
		seq:    l.seq,
		path:   path,
		events: l.events,
		bytes:  l.size,
	})
	return l.openNext()
}

// sync flushes buffered lines and fsyncs the active segment.
func (l *segmentLog) sync() error {
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flush segment: %w", err)
	}
	if err := l.active.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	l.unsynced = false
	return nil
}

// totals reports the on-disk event count and byte size, active included.
func (l *segmentLog) totals() (int, int64) {
	events := l.events
	bytes := l.size
	for _, s := range l.rotated {
		events += s.events
		bytes += s.bytes
	}
	return events, bytes
}

// trim removes the oldest rotated segments while the totals exceed either
// bound. The active segment is never trimmed, so events past the last
// acknowledged sync are always preserved.
func (l *segmentLog) trim(maxEvents int, maxBytes int64) (removed int, err error) {
	for len(l.rotated) > 0 {
		events, bytes := l.totals()
		if events <= maxEvents && bytes <= maxBytes {
			break
		}
		oldest := l.rotated[0]
		if err := os.Remove(oldest.path); err != nil {
			return removed, fmt.Errorf("remove segment %s: %w", oldest.path, err)
		}
		l.rotated = l.rotated[1:]
		removed++
	}
	return removed, nil
}

func (l *segmentLog) close() error {
	if err := l.sync(); err != nil {
		return err
	}
	return l.active.Close()
}
