// Package scanner implements gletscher's lazy recursive path
// enumeration: given a set of root files and directories, it yields one
// (path, os.FileInfo) pair at a time, recursing into directories and
// skipping entries that match a configured exclude list.
//
// Exclusions are resolved to concrete files up front and matched against
// each visited entry by device+inode identity (os.SameFile), not by
// path-string comparison, so a bind mount or a different relative
// spelling of the same file is still excluded.
package scanner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pmoor/gletscher/gerrors"
)

// Entry is one enumerated filesystem node.
type Entry struct {
	Path string
	Info os.FileInfo
}

type dirFrame struct {
	path     string
	info     os.FileInfo
	entries  []os.DirEntry
	idx      int
	selfDone bool
}

// Scanner lazily walks a fixed set of roots. A Scanner is single-use.
type Scanner struct {
	roots    []string
	rootIdx  int
	excludes []os.FileInfo
	stack    []*dirFrame
}

// New builds a Scanner over roots (files or directories, relative or
// absolute), skipping any entry that is the same file as one of excludes.
// Excludes are resolved via os.Stat at construction time; a missing
// exclude path is an error since it cannot be matched against anything.
func New(roots []string, excludes []string) (*Scanner, error) {
	s := &Scanner{roots: append([]string(nil), roots...)}
	for _, ex := range excludes {
		info, err := os.Stat(ex)
		if err != nil {
			return nil, fmt.Errorf("scanner: stat exclude %s: %w: %w", ex, err, gerrors.ErrIO)
		}
		s.excludes = append(s.excludes, info)
	}
	return s, nil
}

func (s *Scanner) excluded(info os.FileInfo) bool {
	for _, ex := range s.excludes {
		if os.SameFile(ex, info) {
			return true
		}
	}
	return false
}

// Next returns the next entry, or (Entry{}, io.EOF) once every root has
// been fully enumerated. Unreadable entries are logged by the caller via
// the returned error and skipped by calling Next again; Next itself never
// silently drops an entry it failed to stat.
func (s *Scanner) Next() (Entry, error) {
	for {
		if len(s.stack) == 0 {
			if s.rootIdx >= len(s.roots) {
				return Entry{}, io.EOF
			}
			root, err := filepath.Abs(s.roots[s.rootIdx])
			s.rootIdx++
			if err != nil {
				return Entry{}, fmt.Errorf("scanner: resolve %s: %w: %w", s.roots[s.rootIdx-1], err, gerrors.ErrIO)
			}
			info, err := os.Lstat(root)
			if err != nil {
				return Entry{}, fmt.Errorf("scanner: lstat %s: %w: %w", root, err, gerrors.ErrIO)
			}
			if s.excluded(info) {
				continue
			}
			if info.IsDir() {
				s.stack = append(s.stack, &dirFrame{path: root, info: info})
				continue
			}
			return Entry{Path: root, Info: info}, nil
		}

		top := s.stack[len(s.stack)-1]
		if top.entries == nil && top.idx == 0 && !top.selfDone {
			entries, err := os.ReadDir(top.path)
			if err != nil {
				s.stack = s.stack[:len(s.stack)-1]
				return Entry{}, fmt.Errorf("scanner: readdir %s: %w: %w", top.path, err, gerrors.ErrIO)
			}
			top.entries = entries
		}

		if top.idx < len(top.entries) {
			child := top.entries[top.idx]
			top.idx++
			childPath := filepath.Join(top.path, child.Name())
			info, err := os.Lstat(childPath)
			if err != nil {
				return Entry{}, fmt.Errorf("scanner: lstat %s: %w: %w", childPath, err, gerrors.ErrIO)
			}
			if s.excluded(info) {
				continue
			}
			if info.IsDir() {
				s.stack = append(s.stack, &dirFrame{path: childPath, info: info})
				continue
			}
			return Entry{Path: childPath, Info: info}, nil
		}

		if !top.selfDone {
			top.selfDone = true
			s.stack = s.stack[:len(s.stack)-1]
			return Entry{Path: top.path, Info: top.info}, nil
		}

		s.stack = s.stack[:len(s.stack)-1]
	}
}
