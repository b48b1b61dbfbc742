package dirsync

import (
	"bufio"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openmined/dirsync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

const (
	IgnoreFileName = ".dirsyncignore"

	// tempMarker is part of every temp file name written into a synced tree
	tempMarker = ".dirsync-tmp-"
)

// only our own in-flight temp files are left out by default; everything
// else is mirrored unless a rule says otherwise
var defaultIgnoreLines = []string{
	"*" + tempMarker + "*",
}

// IgnoreList decides which entries are left out of a pass. Rules use
// gitignore syntax: built-in defaults, then extra patterns from
// configuration, then the .dirsyncignore file at the base directory.
type IgnoreList struct {
	baseDir string
	extra   []string
	fs      afero.Fs

	mu     sync.RWMutex
	ignore *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string, extra ...string) *IgnoreList {
	return &IgnoreList{baseDir: baseDir, extra: extra, fs: afero.NewOsFs()}
}

func (s *IgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, IgnoreFileName)
	ignoreLines := append([]string{}, defaultIgnoreLines...)
	ignoreLines = append(ignoreLines, s.extra...)

	file, err := s.fs.Open(ignorePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// defaults and extra patterns only
	case err != nil:
		slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
	default:
		rules := 0
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				ignoreLines = append(ignoreLines, line)
				rules++
			}
		}
		file.Close()

		if err := scanner.Err(); err != nil {
			slog.Warn("error reading ignore file", "path", ignorePath, "error", err)
		} else {
			slog.Info("loaded ignore file", "path", ignorePath, "rules", rules)
		}
	}

	compiled := gitignore.CompileIgnoreLines(ignoreLines...)
	s.mu.Lock()
	s.ignore = compiled
	s.mu.Unlock()
}

// ShouldIgnore accepts a slash separated path relative to the base directory,
// or an absolute path. Absolute paths outside the base are never ignored.
func (s *IgnoreList) ShouldIgnore(path string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	matcher := s.ignore
	s.mu.RUnlock()
	if matcher == nil {
		return false
	}
	if filepath.IsAbs(path) {
		if !utils.IsWithin(s.baseDir, path) {
			return false
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil || rel == "." {
			return false
		}
		path = rel
	}
	return matcher.MatchesPath(utils.NormPath(path))
}

// Skip adapts the list to a walker SkipFunc. Directories are also tested
// with a trailing slash so that "dir/" rules prune the whole subtree.
func (s *IgnoreList) Skip(relPath string, isDir bool) bool {
	if s.ShouldIgnore(relPath) {
		return true
	}
	return isDir && s.ShouldIgnore(relPath+"/")
}
