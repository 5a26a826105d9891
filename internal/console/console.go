// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// DetachKey is Ctrl+].
const DetachKey = 0x1d

// CopyFunc defines a function that reads the data from the given reader into
// the given writer.
type CopyFunc func(dst io.Writer, src io.Reader) (int64, error)

var (
	_ CopyFunc = io.Copy
	_ CopyFunc = CopyUntilDetach
)

// CopyUntilDetach is a [CopyFunc] that copies until src is exhausted or the
// [DetachKey] is read. Data read before the key is still written. Returns
// [ErrDetached] if the key was read.
func CopyUntilDetach(dst io.Writer, src io.Reader) (int64, error) {
	var (
		written int64
		buf     = make([]byte, 4096)
	)

	for {
		n, readErr := src.Read(buf)

		chunk := buf[:n]
		idx := bytes.IndexByte(chunk, DetachKey)

		if idx >= 0 {
			chunk = chunk[:idx]
		}

		if len(chunk) > 0 {
			w, err := dst.Write(chunk)
			written += int64(w)

			if err != nil {
				return written, err
			}
		}

		if idx >= 0 {
			return written, ErrDetached
		}

		if errors.Is(readErr, io.EOF) {
			return written, nil
		}

		if readErr != nil {
			return written, readErr
		}
	}
}

// Dial connects to the serial console socket at the given path.
func Dial(ctx context.Context, socket string) (net.Conn, error) {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, &Error{Name: "dial", Err: err}
	}

	return conn, nil
}

// Attach copies console output from conn to out and input from in to conn.
//
// It returns once conn reached its end, the [DetachKey] was read from in or
// the context is done. Input reaching its end does not stop the output. In
// any case conn is closed before returning. As reads from a terminal can not
// be interrupted, the input copy ends only with the next read from in.
func Attach(ctx context.Context, conn io.ReadWriteCloser, in io.Reader, out io.Writer) error {
	var (
		closing    atomic.Bool
		output     errgroup.Group
		outputDone = make(chan struct{})
		inputDone  = make(chan error, 1)
	)

	output.Go(func() error {
		defer close(outputDone)

		_, err := io.Copy(out, conn)
		if err != nil && !closing.Load() {
			return &Error{Name: "output", Err: err}
		}

		return nil
	})

	go func() {
		_, err := CopyUntilDetach(conn, in)
		inputDone <- err
	}()

	var result error

loop:
	for {
		select {
		case <-ctx.Done():
			result = ctx.Err()
			break loop
		case <-outputDone:
			break loop
		case err := <-inputDone:
			switch {
			case err == nil:
				// Keep showing output.
				inputDone = nil
				continue
			case errors.Is(err, ErrDetached):
				result = err
			default:
				result = &Error{Name: "input", Err: err}
			}

			break loop
		}
	}

	closing.Store(true)
	_ = conn.Close()

	err := output.Wait()
	if result == nil {
		result = err
	}

	return result
}

// MakeRaw puts the terminal behind fd into raw mode, so key presses are
// passed to the guest unprocessed. The returned function restores the
// previous state. If fd is not a terminal, nothing is changed.
func MakeRaw(fd int) (func() error, error) {
	if !term.IsTerminal(fd) {
		return func() error { return nil }, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("make raw: %w", err)
	}

	return func() error {
		return term.Restore(fd, state)
	}, nil
}
