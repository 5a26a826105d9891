// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/google/uuid"
)

const (
	// DefaultTimeout is the timeout for dialing the socket.
	DefaultTimeout = 2 * time.Second

	minRetryDelay = 10 * time.Millisecond
	maxRetryDelay = 250 * time.Millisecond

	eventBufferSize = 16
)

// Status is the run state reported by "query-status".
type Status struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

type request struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
	ID        string `json:"id"`
}

// Client is a connected QMP session.
type Client struct {
	mon     qmp.Monitor
	version string

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the QMP socket at the given path. As the socket appears
// only some time after the process started, connecting is retried until it
// succeeds or the context is done. A completed capabilities negotiation
// means the process is ready to accept commands.
func Dial(ctx context.Context, socket string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	delay := minRetryDelay

	for {
		mon, err := connect(socket, timeout)
		if err == nil {
			return newClient(mon)
		}

		slog.Debug("QMP not ready yet",
			slog.String("socket", socket),
			slog.Any("error", err))

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &ProtocolError{Err: fmt.Errorf("connect: %w: %w", ctx.Err(), err)}
		case <-timer.C:
		}

		delay = min(2*delay, maxRetryDelay)
	}
}

func connect(socket string, timeout time.Duration) (*qmp.SocketMonitor, error) {
	mon, err := qmp.NewSocketMonitor("unix", socket, timeout)
	if err != nil {
		return nil, err
	}

	err = mon.Connect()
	if err != nil {
		_ = mon.Disconnect()
		return nil, err
	}

	return mon, nil
}

func newClient(mon *qmp.SocketMonitor) (*Client, error) {
	// Register before any event is emitted, as the monitor drops events
	// while nobody listens.
	raw, err := mon.Events(context.Background())
	if err != nil {
		_ = mon.Disconnect()
		return nil, &ProtocolError{Err: fmt.Errorf("subscribe events: %w", err)}
	}

	client := &Client{
		mon:    mon,
		events: make(chan Event, eventBufferSize),
		closed: make(chan struct{}),
	}

	if mon.Version != nil {
		client.version = fmt.Sprintf("%d.%d.%d",
			mon.Version.QEMU.Major,
			mon.Version.QEMU.Minor,
			mon.Version.QEMU.Micro,
		)
	}

	go client.forward(raw)

	return client, nil
}

// forward translates raw events until the connection is gone or the client
// is closed. The monitor blocks command responses while an event is not
// consumed, so raw events are always received.
func (c *Client) forward(raw <-chan qmp.Event) {
	defer close(c.events)

	for {
		select {
		case <-c.closed:
			return
		case rawEvent, ok := <-raw:
			if !ok {
				c.send(Event{
					Kind: EventError,
					Err:  &ProtocolError{Err: ErrConnectionLost},
				})

				return
			}

			c.send(translate(rawEvent))
		}
	}
}

func (c *Client) send(event Event) {
	select {
	case c.events <- event:
	case <-c.closed:
	}
}

// Version returns the QEMU version announced in the greeting.
func (c *Client) Version() string {
	return c.version
}

// Events returns the channel of translated events. It is closed once the
// connection is gone.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close disconnects from the socket. It is safe to call multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		err := c.mon.Disconnect()
		if err != nil {
			c.closeErr = &ProtocolError{Err: fmt.Errorf("disconnect: %w", err)}
		}
	})

	return c.closeErr
}

func (c *Client) execute(command string, arguments any) ([]byte, error) {
	req := request{
		Execute:   command,
		Arguments: arguments,
		ID:        uuid.NewString(),
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, &ProtocolError{Command: command, Err: err}
	}

	out, err := c.mon.Run(data)
	if err != nil {
		return nil, &ProtocolError{Command: command, Err: err}
	}

	return out, nil
}

// Stop pauses the guest CPUs.
func (c *Client) Stop() error {
	_, err := c.execute("stop", nil)
	return err
}

// Continue resumes the guest CPUs.
func (c *Client) Continue() error {
	_, err := c.execute("cont", nil)
	return err
}

// SystemPowerdown sends an ACPI power button event to the guest.
func (c *Client) SystemPowerdown() error {
	_, err := c.execute("system_powerdown", nil)
	return err
}

// Eject removes the medium from the removable device with the given ID.
func (c *Client) Eject(device string, force bool) error {
	_, err := c.execute("eject", map[string]any{
		"id":    device,
		"force": force,
	})

	return err
}

// ChangeMedium inserts the image file into the removable device with the
// given ID.
func (c *Client) ChangeMedium(device, filename string) error {
	_, err := c.execute("blockdev-change-medium", map[string]any{
		"id":       device,
		"filename": filename,
	})

	return err
}

// QueryStatus returns the current run state of the guest.
func (c *Client) QueryStatus() (Status, error) {
	out, err := c.execute("query-status", nil)
	if err != nil {
		return Status{}, err
	}

	var resp struct {
		Return Status `json:"return"`
	}

	err = json.Unmarshal(out, &resp)
	if err != nil {
		return Status{}, &ProtocolError{Command: "query-status", Err: err}
	}

	return resp.Return, nil
}
