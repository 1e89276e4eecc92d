package dispatcher

// This file contains a Source following a growing log file, e.g. a captured
// device log or the console log of a desktop build.

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ErrFileRemoved is reported when the followed file is removed or renamed
var ErrFileRemoved = errors.New("log file removed")

// FileSource emits complete lines appended to a file
type FileSource struct {
	logger  zerolog.Logger
	path    string
	watcher *fsnotify.Watcher
	file    *os.File
	reader  *bufio.Reader
	partial strings.Builder

	lines  chan string
	stopCh chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	err      error
	stopOnce sync.Once
}

// OpenFileSource starts following path. Existing content is emitted first when fromStart
// is set, otherwise only lines written after opening are.
func OpenFileSource(logger zerolog.Logger, path string, fromStart bool) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	if !fromStart {
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to seek log file: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, fsnotify reports removals more reliably there
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		file.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	s := &FileSource{
		logger:  logger.With().Str("file", path).Logger(),
		path:    path,
		watcher: watcher,
		file:    file,
		reader:  bufio.NewReader(file),
		lines:   make(chan string, 256),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.watchLoop()

	return s, nil
}

// Lines implements Source
func (s *FileSource) Lines() <-chan string {
	return s.lines
}

// Err implements Source
func (s *FileSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop stops following the file and closes the line channel
func (s *FileSource) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.done
}

func (s *FileSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *FileSource) watchLoop() {
	defer close(s.done)
	defer close(s.lines)
	defer s.file.Close()
	defer s.watcher.Close()

	target := filepath.Clean(s.path)

	if !s.drain() {
		return
	}

	for {
		select {
		case <-s.stopCh:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// emit whatever was written before the file went away
				s.drain()
				s.fail(ErrFileRemoved)
				return
			}
			if event.Op&fsnotify.Write == 0 {
				continue
			}
			if !s.drain() {
				return
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.fail(fmt.Errorf("file watcher failed: %w", err))
			return
		}
	}
}

// drain emits every complete line available. It returns false if the source was stopped or failed.
func (s *FileSource) drain() bool {
	for {
		chunk, err := s.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			s.fail(fmt.Errorf("failed to read log file: %w", err))
			return false
		}

		s.partial.WriteString(chunk)
		if !strings.HasSuffix(chunk, "\n") {
			// incomplete line, wait for the rest
			return true
		}

		line := strings.TrimRight(s.partial.String(), "\r\n")
		s.partial.Reset()

		select {
		case s.lines <- line:
		case <-s.stopCh:
			return false
		}
	}
}
