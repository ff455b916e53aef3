package tailer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Line is one raw accounting line with its provenance.
type Line struct {
	Text   string
	Path   string
	Offset int64 // byte offset of the line start within its file
}

// HeaderPrimer lets the tailer teach a CSV header to the parser when a
// cursor resumes into the middle of a file.
type HeaderPrimer interface {
	PrimeHeader(path, line string)
	HasHeader(path string) bool
}

// FileTailer walks append-only accounting files under a directory, emitting
// complete lines forward from a cursor. Files are discovered by glob,
// filtered to a recent modification window, and ordered by (mtime, name) so
// rotated files are consumed before their successors.
type FileTailer struct {
	Dir    string
	Glob   string        // defaults to "*"
	Window time.Duration // 0 means no mtime filter
	Primer HeaderPrimer  // optional
}

type fileInfo struct {
	path  string
	inode uint64
	size  int64
	mtime time.Time
}

func (t *FileTailer) discover() ([]fileInfo, error) {
	glob := t.Glob
	if glob == "" {
		glob = "*"
	}
	matches, err := filepath.Glob(filepath.Join(t.Dir, glob))
	if err != nil {
		return nil, fmt.Errorf("glob accounting files: %w", err)
	}
	cutoff := time.Time{}
	if t.Window > 0 {
		cutoff = time.Now().Add(-t.Window)
	}
	var files []fileInfo
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil || st.IsDir() {
			continue
		}
		if !cutoff.IsZero() && st.ModTime().Before(cutoff) {
			continue
		}
		files = append(files, fileInfo{
			path:  m,
			inode: inodeOf(st),
			size:  st.Size(),
			mtime: st.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].mtime.Equal(files[j].mtime) {
			return files[i].mtime.Before(files[j].mtime)
		}
		return files[i].path < files[j].path
	})
	return files, nil
}

func inodeOf(st os.FileInfo) uint64 {
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		return sys.Ino
	}
	return 0
}

// locate finds the file the cursor points at, or the next file in
// (mtime, name) order when the cursor's file is gone or was rotated away.
func locate(files []fileInfo, c Cursor) (idx int, resume bool) {
	if c.IsZero() {
		if len(files) == 0 {
			return -1, false
		}
		return 0, false
	}
	for i, f := range files {
		if f.path == c.Path && f.inode == c.Inode {
			return i, true
		}
	}
	// Same path, different inode: the file was rotated. The file now at
	// that path is a successor and is read from offset 0.
	cm := time.Unix(c.MTime, 0)
	for i, f := range files {
		if f.mtime.After(cm) || (f.mtime.Equal(cm) && f.path > c.Path) || f.path == c.Path {
			return i, false
		}
	}
	return -1, false
}

// Read emits up to limit complete lines starting at cursor. When the current
// file is exhausted and a later file exists, reading continues there from
// offset 0 within the same call. A trailing partial line (no newline yet) is
// left unconsumed so the next poll re-reads it whole. With no new bytes the
// returned cursor equals the input and hasMore is false.
func (t *FileTailer) Read(cursor Cursor, limit int) (lines []Line, next Cursor, hasMore bool, err error) {
	if limit <= 0 {
		limit = 500
	}
	files, err := t.discover()
	if err != nil {
		return nil, cursor, false, err
	}
	idx, resume := locate(files, cursor)
	if idx < 0 {
		return nil, cursor, false, nil
	}

	next = cursor
	for idx < len(files) && len(lines) < limit {
		f := files[idx]
		offset := int64(0)
		if resume && f.path == next.Path && f.inode == next.Inode {
			offset = next.Offset
		}
		emitted, newOffset, rerr := t.readFile(f, offset, limit-len(lines))
		if rerr != nil {
			return lines, next, false, rerr
		}
		lines = append(lines, emitted...)
		next = Cursor{Path: f.path, Inode: f.inode, Offset: newOffset, MTime: f.mtime.Unix()}
		if newOffset < f.size {
			// Stopped on the line limit (or a partial trailing line).
			return lines, next, len(lines) >= limit, nil
		}
		idx++
		resume = false
	}
	hasMore = idx < len(files)
	return lines, next, hasMore, nil
}

func (t *FileTailer) readFile(f fileInfo, offset int64, limit int) ([]Line, int64, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, offset, fmt.Errorf("open %s: %w", f.path, err)
	}
	defer fh.Close()

	if offset > 0 && t.Primer != nil && !t.Primer.HasHeader(f.path) {
		t.primeHeader(fh, f.path)
	}
	if offset > 0 {
		if _, err := fh.Seek(offset, io.SeekStart); err != nil {
			return nil, offset, fmt.Errorf("seek %s: %w", f.path, err)
		}
	}

	var lines []Line
	r := bufio.NewReader(fh)
	pos := offset
	for len(lines) < limit {
		text, rerr := r.ReadString('\n')
		if rerr == io.EOF {
			// Partial line without newline stays unconsumed.
			break
		}
		if rerr != nil {
			return lines, pos, fmt.Errorf("read %s: %w", f.path, rerr)
		}
		start := pos
		pos += int64(len(text))
		lines = append(lines, Line{Text: strings.TrimRight(text, "\r\n"), Path: f.path, Offset: start})
	}
	return lines, pos, nil
}

// primeHeader reads line 1 out-of-band so a mid-file resume still maps CSV
// columns correctly.
func (t *FileTailer) primeHeader(fh *os.File, path string) {
	defer fh.Seek(0, io.SeekStart)
	r := bufio.NewReader(fh)
	first, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return
	}
	first = strings.TrimSpace(strings.TrimPrefix(strings.TrimRight(first, "\r\n"), "#"))
	if first != "" {
		t.Primer.PrimeHeader(path, first)
	}
}
