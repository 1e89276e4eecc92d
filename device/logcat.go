package device

// This file contains the adb logcat backed device log stream.

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/perfgo/raptor/perflog"
	"github.com/perfgo/raptor/raptorerrors"
)

// MarkContext is the context host side marks are written under
const MarkContext = "raptor"

var errLogNotStarted = errors.New("log stream not started")

// closedLines is returned by Lines before the first Restart
var closedLines = func() chan string {
	ch := make(chan string)
	close(ch)
	return ch
}()

type logcat struct {
	adb *ADB

	mu      sync.Mutex
	current *stream
}

type stream struct {
	lines  chan string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Clear implements Log
func (l *logcat) Clear(ctx context.Context) (time.Time, error) {
	if _, err := l.adb.output(ctx, "log clear", l.adb.args("logcat", "-c")...); err != nil {
		return time.Time{}, err
	}
	return time.Now(), nil
}

// Mark implements Log
func (l *logcat) Mark(ctx context.Context, name string, at time.Time) (time.Time, error) {
	// the message is parsed again by the device shell
	msg := shellescape.Quote(perflog.FormatMark(MarkContext, name, at))
	args := l.adb.args("shell", "log", "-p", "i", "-t", perflog.Tag, msg)
	if _, err := l.adb.output(ctx, "log mark", args...); err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// Restart implements Log
func (l *logcat) Restart(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &raptorerrors.ErrDeviceAction{Action: "log restart", Err: err}
	}
	if err := l.Stop(); err != nil {
		return err
	}

	// the stream outlives ctx, it ends with Stop or the next Restart
	streamCtx, cancel := context.WithCancel(context.Background())
	cmd := l.adb.cmd.Command(streamCtx, l.adb.args("logcat", "-v", "threadtime")...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return &raptorerrors.ErrDeviceAction{Action: "log restart", Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return &raptorerrors.ErrDeviceAction{Action: "log restart", Err: err}
	}

	s := &stream{
		lines:  make(chan string, 1024),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.lines)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scan:
		for scanner.Scan() {
			select {
			case s.lines <- strings.TrimRight(scanner.Text(), "\r"):
			case <-streamCtx.Done():
				break scan
			}
		}

		werr := cmd.Wait()
		if streamCtx.Err() != nil {
			return
		}
		if werr == nil {
			werr = errors.New("logcat exited")
		}
		s.mu.Lock()
		s.err = &raptorerrors.ErrDeviceAction{
			Action: "log stream",
			Err:    fmt.Errorf("%w (stderr: %s)", werr, strings.TrimSpace(stderr.String())),
		}
		s.mu.Unlock()
		l.adb.logger.Warn().Err(s.err).Msg("Device log stream ended")
	}()

	l.mu.Lock()
	l.current = s
	l.mu.Unlock()

	l.adb.logger.Debug().Str("serial", l.adb.serial).Msg("Device log stream started")
	return nil
}

// Stop implements Log
func (l *logcat) Stop() error {
	l.mu.Lock()
	s := l.current
	l.mu.Unlock()

	if s == nil {
		return nil
	}
	s.cancel()
	<-s.done
	return nil
}

// Lines implements dispatcher.Source
func (l *logcat) Lines() <-chan string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return closedLines
	}
	return l.current.lines
}

// Err implements dispatcher.Source
func (l *logcat) Err() error {
	l.mu.Lock()
	s := l.current
	l.mu.Unlock()

	if s == nil {
		return errLogNotStarted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
