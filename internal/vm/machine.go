// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aibor/virtman/internal/config"
	"github.com/aibor/virtman/internal/console"
	"github.com/aibor/virtman/internal/monitor"
	"github.com/aibor/virtman/internal/network"
	"github.com/aibor/virtman/internal/paths"
	"github.com/aibor/virtman/internal/supervisor"
)

// DefaultStartTimeout is the time the process has to accept management
// connections after it was launched.
const DefaultStartTimeout = 30 * time.Second

// Machine is a virtual machine with a guarded life cycle.
//
// All operations validate the current state synchronously. They return
// [*TransitionError] if the operation is not permitted in the current state
// and [ErrOperationInProgress] while another operation has not finished.
// Failures of the operation itself are reported to the [Observer]s.
type Machine interface {
	// Start launches the machine. Stopped → Starting → Running.
	Start(ctx context.Context) error
	// Stop terminates the machine. Running|Paused → Stopping → Stopped.
	Stop(ctx context.Context) error
	// Pause suspends the guest CPUs. Running → Pausing → Paused.
	Pause(ctx context.Context) error
	// Resume continues the guest CPUs. Paused → Resuming → Running.
	Resume(ctx context.Context) error
	// Reset leaves the error state. Error → Stopped.
	Reset(ctx context.Context) error
	// Delete removes the storage directory. Stopped → Deleted.
	Delete(ctx context.Context) error

	// RequestPowerdown asks the guest to shut down.
	RequestPowerdown(ctx context.Context) error
	// Eject removes the medium from a removable drive.
	Eject(ctx context.Context, driveID string, force bool) error
	// ChangeMedium inserts the image into a removable drive.
	ChangeMedium(ctx context.Context, driveID, image string) error

	State() State
	Store() *config.Store

	RegisterObserver(observer Observer) (*Registration, error)
	RegisterIODelegate(delegate IODelegate) (*Registration, error)

	// Close stops the machine, if it is active, and terminates the event
	// loop. If ctx is done before the machine stopped, the process is
	// killed.
	Close(ctx context.Context) error
}

// Backend selects the [Machine] implementation.
type Backend string

// Supported backends.
const (
	BackendQEMU Backend = "qemu"
)

// Launcher starts and terminates processes. It is implemented by
// [supervisor.Supervisor].
type Launcher interface {
	Launch(ctx context.Context, spec supervisor.LaunchSpec) (*supervisor.Handle, error)
	Terminate(h *supervisor.Handle, graceful bool) (supervisor.Termination, error)
}

// Monitor is the management connection to a running process. It is
// implemented by [monitor.Client].
type Monitor interface {
	Events() <-chan monitor.Event
	QueryStatus() (monitor.Status, error)
	Stop() error
	Continue() error
	SystemPowerdown() error
	Eject(device string, force bool) error
	ChangeMedium(device, filename string) error
	Close() error
}

// MonitorDialer connects to the management socket. It is expected to retry
// until the socket accepts connections or ctx is done.
type MonitorDialer func(ctx context.Context, socket string) (Monitor, error)

// ConsoleDialer connects to the serial console socket.
type ConsoleDialer func(ctx context.Context, socket string) (io.ReadWriteCloser, error)

// TapDevices manages host tap devices for bridged networking. It is
// implemented by [network.TapManager].
type TapDevices interface {
	Setup(name, bridge string) error
	Teardown(name string) error
}

// Options are the collaborators of a [Machine]. Zero values are replaced by
// the defaults.
type Options struct {
	Launcher    Launcher
	Resolver    *paths.Resolver
	DialMonitor MonitorDialer
	DialConsole ConsoleDialer
	// TapDevices is only needed for bridged networking. If nil, a
	// [network.TapManager] is created when needed.
	TapDevices   TapDevices
	Metrics      *Metrics
	StartTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Launcher == nil {
		o.Launcher = supervisor.New(supervisor.DefaultGracePeriod)
	}

	if o.Resolver == nil {
		o.Resolver = paths.NewResolver()
	}

	if o.DialMonitor == nil {
		o.DialMonitor = dialMonitor
	}

	if o.DialConsole == nil {
		o.DialConsole = dialConsole
	}

	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}

	return o
}

func dialMonitor(ctx context.Context, socket string) (Monitor, error) {
	client, err := monitor.Dial(ctx, socket, monitor.DefaultTimeout)
	if err != nil {
		return nil, err
	}

	return client, nil
}

func dialConsole(ctx context.Context, socket string) (io.ReadWriteCloser, error) {
	conn, err := console.Dial(ctx, socket)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// tapDevices returns the configured [TapDevices] or a new
// [network.TapManager] along with the function releasing it.
func (o Options) tapDevices() (TapDevices, func(), error) {
	if o.TapDevices != nil {
		return o.TapDevices, func() {}, nil
	}

	manager, err := network.NewTapManager()
	if err != nil {
		return nil, nil, err
	}

	return manager, manager.Close, nil
}

// New returns a [Machine] for the configuration held by store, implemented
// by the given backend.
func New(backend Backend, store *config.Store, opts Options) (Machine, error) {
	switch backend {
	case BackendQEMU:
		return NewQEMUMachine(store, opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
}
