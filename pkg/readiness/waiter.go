// Package readiness detects in-container init progress by scanning the
// container's log stream for sentinel markers.
package readiness

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dojoworks/workspaced/pkg/log"
)

const (
	markerInitialized = "DOJO_INIT_INITIALIZED"
	markerReady       = "DOJO_INIT_READY"
	markerFailed      = "DOJO_INIT_FAILED:"

	plainInitialized = "Initialized.\n"
	plainReady       = "Ready.\n"
)

var (
	// ErrInitFailed wraps a DOJO_INIT_FAILED cause from the container.
	ErrInitFailed = errors.New("workspace init failed")

	errNotInitialized = errors.New("Workspace failed to initialize")
	errNotReady       = errors.New("Workspace failed to become ready")
)

// WaitInitialized scans the log stream until in-container init reports
// initialization. Stream end before the marker is a failure. The caller
// bounds the wait with the stream's context deadline.
func WaitInitialized(logs io.Reader, start time.Time) error {
	found, err := scan(logs, "workspace initialization", start, func(line []byte) (bool, error) {
		if bytes.Contains(line, []byte(markerInitialized)) || string(line) == plainInitialized {
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w after %.1f seconds", errNotInitialized, time.Since(start).Seconds())
	}
	log.WithComponent("readiness").Info().
		Float64("elapsed", time.Since(start).Seconds()).
		Msg("workspace initialized")
	return nil
}

// WaitReady scans the log stream until init reports readiness. A
// DOJO_INIT_FAILED line fails immediately with its cause; stream end
// without a terminal marker is a failure.
func WaitReady(logs io.Reader, start time.Time) error {
	found, err := scan(logs, "workspace readying", start, func(line []byte) (bool, error) {
		if bytes.Contains(line, []byte(markerReady)) || string(line) == plainReady {
			return true, nil
		}
		if i := bytes.Index(line, []byte(markerFailed)); i >= 0 {
			cause := bytes.TrimRight(line[i+len(markerFailed):], "\n")
			return false, fmt.Errorf("%w: %s", ErrInitFailed, cause)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return errNotReady
	}
	log.WithComponent("readiness").Info().
		Float64("elapsed", time.Since(start).Seconds()).
		Msg("workspace ready")
	return nil
}

// scan feeds each log line, newline included, to match until it reports a
// hit or an error. Lines are also traced for correlated debugging.
func scan(logs io.Reader, phase string, start time.Time, match func([]byte) (bool, error)) (bool, error) {
	logger := log.WithComponent("readiness")
	reader := bufio.NewReader(logs)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			logger.Debug().
				Str("phase", phase).
				Float64("elapsed", time.Since(start).Seconds()).
				Bytes("line", bytes.TrimRight(line, "\n")).
				Msg("container output")
			ok, merr := match(line)
			if merr != nil {
				return false, merr
			}
			if ok {
				return true, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, fmt.Errorf("failed to read container logs: %w", err)
		}
	}
}
