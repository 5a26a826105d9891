// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/aibor/virtman/internal/config"
	"github.com/aibor/virtman/internal/monitor"
	"github.com/aibor/virtman/internal/qemu"
	"github.com/aibor/virtman/internal/supervisor"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/hashicorp/go-multierror"
)

// QEMUMachine is the [Machine] backed by a QEMU process.
type QEMUMachine struct {
	store *config.Store
	opts  Options
	log   *slog.Logger

	inbox     chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	workers   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	// ctx is canceled if the machine is closed forcefully.
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	stateMu sync.Mutex
	state   State
	changed chan struct{}

	// Owned by the event loop.
	sess        *session
	closing     bool
	channels    *IOChannels
	observers   registrations[Observer]
	ioDelegates registrations[IODelegate]
}

var _ Machine = (*QEMUMachine)(nil)

// NewQEMUMachine returns a stopped [QEMUMachine] for the configuration held
// by store. Its event loop runs until [QEMUMachine.Close] is called.
func NewQEMUMachine(store *config.Store, opts Options) *QEMUMachine {
	ctx, cancel := context.WithCancel(context.Background())

	m := &QEMUMachine{
		store:    store,
		opts:     opts.withDefaults(),
		log:      slog.With(slog.String("vm", store.Name())),
		inbox:    make(chan func()),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateStopped,
		changed:  make(chan struct{}),
	}

	go m.run()

	return m
}

func (m *QEMUMachine) run() {
	defer close(m.loopDone)

	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the event loop and returns its result.
func (m *QEMUMachine) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)

	select {
	case m.inbox <- func() { result <- fn() }:
	case <-m.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	return <-result
}

// post queues fn for the event loop without waiting for it. It is dropped if
// the loop is gone.
func (m *QEMUMachine) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.loopDone:
	}
}

// spawn runs fn in the background. Must only be called from the event loop.
func (m *QEMUMachine) spawn(fn func()) {
	m.workers.Add(1)

	go func() {
		defer m.workers.Done()
		fn()
	}()
}

// request runs fn on the event loop if the current state is one of allowed
// and no other operation is in flight.
func (m *QEMUMachine) request(
	ctx context.Context,
	op string,
	allowed []State,
	fn func() error,
) error {
	return m.do(ctx, func() error {
		if m.closing {
			return ErrClosed
		}

		state := m.State()

		if state.Busy() {
			return fmt.Errorf("%s: %w (%s)", op, ErrOperationInProgress, state)
		}

		if !slices.Contains(allowed, state) {
			return &TransitionError{Op: op, From: state}
		}

		return fn()
	})
}

// State returns the current state.
func (m *QEMUMachine) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	return m.state
}

// Store returns the configuration store of the machine.
func (m *QEMUMachine) Store() *config.Store {
	return m.store
}

func (m *QEMUMachine) watchState() (State, <-chan struct{}) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	return m.state, m.changed
}

// setState transitions to the given state and notifies observers and IO
// delegates. Must only be called from the event loop.
func (m *QEMUMachine) setState(to State, cause error) {
	m.stateMu.Lock()
	from := m.state
	m.state = to
	close(m.changed)
	m.changed = make(chan struct{})
	m.stateMu.Unlock()

	m.opts.Metrics.observe(from, to)

	attrs := []any{
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	}

	if cause != nil {
		m.log.Warn("State changed", append(attrs, slog.Any("error", cause))...)
	} else {
		m.log.Debug("State changed", attrs...)
	}

	m.observers.each(func(o Observer) {
		o.StateChanged(from, to, cause)
	})

	switch to {
	case StateRunning:
		m.openChannels()
	case StateStopped, StateError:
		m.closeChannels()
	default:
	}
}

func (m *QEMUMachine) openChannels() {
	if m.channels != nil || m.sess == nil {
		return
	}

	m.channels = m.sess.channels()

	m.ioDelegates.each(func(d IODelegate) {
		d.ChannelsOpened(m.channels)
	})
}

func (m *QEMUMachine) closeChannels() {
	if m.channels == nil {
		return
	}

	m.channels = nil

	m.ioDelegates.each(func(d IODelegate) {
		d.ChannelsClosed()
	})
}

// finish releases the session and settles in the given state.
func (m *QEMUMachine) finish(to State, cause error) {
	if m.sess != nil {
		m.sess.release(m.log)
		m.sess = nil
	}

	m.setState(to, cause)
}

// fail moves to [StateError]. The process is kept until the machine is
// reset.
func (m *QEMUMachine) fail(cause error) {
	if m.sess != nil {
		m.sess.closeConnections(m.log)
	}

	m.setState(StateError, cause)
}

// RegisterObserver adds an observer. It is notified of all transitions from
// now on.
func (m *QEMUMachine) RegisterObserver(observer Observer) (*Registration, error) {
	var reg *Registration

	err := m.do(context.Background(), func() error {
		reg = m.observers.add(observer)
		return nil
	})

	return reg, err
}

// RegisterIODelegate adds an IO delegate. If the machine is running, it is
// handed the open channels right away.
func (m *QEMUMachine) RegisterIODelegate(delegate IODelegate) (*Registration, error) {
	var reg *Registration

	err := m.do(context.Background(), func() error {
		reg = m.ioDelegates.add(delegate)

		if m.channels != nil {
			delegate.ChannelsOpened(m.channels)
		}

		return nil
	})

	return reg, err
}

// Start launches the process. The machine is running once the process
// accepts management commands and the console is attached.
func (m *QEMUMachine) Start(ctx context.Context) error {
	return m.request(ctx, "start", []State{StateStopped}, func() error {
		settings := m.store.Settings()

		p, err := m.opts.Resolver.Resolve(m.store.Identity())
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}

		m.setState(StateStarting, nil)

		m.spawn(func() {
			sess, err := m.launch(m.ctx, settings, p)
			m.post(func() { m.started(sess, err) })
		})

		return nil
	})
}

func (m *QEMUMachine) started(sess *session, err error) {
	if err != nil {
		m.setState(StateError, err)
		return
	}

	select {
	case <-sess.handle.Done():
		sess.release(m.log)
		m.setState(StateError, exitError(sess.handle))

		return
	default:
	}

	m.sess = sess

	events := sess.monitor.Events()

	m.spawn(func() {
		for event := range events {
			m.post(func() { m.handleEvent(sess, event) })
		}
	})

	m.setState(StateRunning, nil)
}

func (m *QEMUMachine) handleEvent(sess *session, event monitor.Event) {
	if sess != m.sess {
		return
	}

	state := m.State()

	switch event.Kind {
	case monitor.EventPaused:
		if state == StateRunning || state == StatePausing {
			m.setState(StatePaused, nil)
		}
	case monitor.EventResumed:
		if state == StatePaused || state == StateResuming {
			m.setState(StateRunning, nil)
		}
	case monitor.EventShutdown:
		if state.Active() {
			m.log.Info("Guest shut down",
				slog.Bool("guest", event.Guest),
				slog.String("reason", event.Reason))
			m.stop()
		}
	case monitor.EventError:
		if state.Active() {
			m.fail(event.Err)
		}
	case monitor.EventTrayMoved:
		m.log.Debug("Tray moved",
			slog.String("device", event.Device),
			slog.Bool("open", event.TrayOpen))
	default:
		m.log.Debug("Event", slog.String("name", event.Name))
	}
}

func (m *QEMUMachine) processExited(h *supervisor.Handle, err error) {
	if m.sess == nil || m.sess.handle != h {
		return
	}

	switch state := m.State(); {
	case state == StateStopping:
		m.finish(StateStopped, nil)
	case state == StateError:
		m.sess.release(m.log)
		m.sess = nil
	case err == nil:
		// Clean exit after a guest shutdown whose event was not seen.
		m.setState(StateStopping, nil)
		m.finish(StateStopped, nil)
	default:
		m.finish(StateError, exitError(h))
	}
}

// Stop terminates the process. It always ends in [StateStopped]. The
// process is killed if it does not exit within the grace period of the
// [Launcher].
func (m *QEMUMachine) Stop(ctx context.Context) error {
	return m.request(ctx, "stop", []State{StateRunning, StatePaused}, func() error {
		m.stop()
		return nil
	})
}

func (m *QEMUMachine) stop() {
	sess := m.sess

	m.setState(StateStopping, nil)

	m.spawn(func() {
		term, err := m.opts.Launcher.Terminate(sess.handle, true)
		m.post(func() { m.stopped(sess, term, err) })
	})
}

func (m *QEMUMachine) stopped(sess *session, term supervisor.Termination, err error) {
	if sess != m.sess {
		return
	}

	if err != nil {
		m.log.Error("Terminating process failed", slog.Any("error", err))
	}

	if term.Forced {
		m.log.Warn("Process was killed after the grace period")
	}

	m.finish(StateStopped, nil)
}

// Pause suspends the guest CPUs.
func (m *QEMUMachine) Pause(ctx context.Context) error {
	return m.request(ctx, "pause", []State{StateRunning}, func() error {
		m.command(StatePausing, StatePaused, m.sess.monitor.Stop)
		return nil
	})
}

// Resume continues the guest CPUs.
func (m *QEMUMachine) Resume(ctx context.Context) error {
	return m.request(ctx, "resume", []State{StatePaused}, func() error {
		m.command(StateResuming, StateRunning, m.sess.monitor.Continue)
		return nil
	})
}

// command moves to the intermediate state and runs cmd in the background.
// Once it succeeded, the final state is entered, unless an event did so
// already.
func (m *QEMUMachine) command(intermediate, final State, cmd func() error) {
	sess := m.sess

	m.setState(intermediate, nil)

	m.spawn(func() {
		err := cmd()

		m.post(func() {
			if sess != m.sess || m.State() != intermediate {
				return
			}

			if err != nil {
				m.fail(err)
				return
			}

			m.setState(final, nil)
		})
	})
}

// Reset leaves [StateError]. A process still alive is killed.
func (m *QEMUMachine) Reset(ctx context.Context) error {
	return m.request(ctx, "reset", []State{StateError}, func() error {
		m.kill()
		m.setState(StateStopped, nil)

		return nil
	})
}

// kill terminates a left behind process right away and releases the
// session.
func (m *QEMUMachine) kill() {
	if m.sess == nil {
		return
	}

	// The exit notification is only posted after the process is gone, so
	// waiting here does not block it.
	_, err := m.opts.Launcher.Terminate(m.sess.handle, false)
	if err != nil {
		m.log.Error("Killing process failed", slog.Any("error", err))
	}

	m.sess.release(m.log)
	m.sess = nil
}

// Delete removes the storage directory along with all runtime files. It
// fails with [supervisor.ErrAlreadyRunning] if a process of another
// supervisor runs the machine.
func (m *QEMUMachine) Delete(ctx context.Context) error {
	return m.request(ctx, "delete", []State{StateStopped}, func() error {
		p, err := m.opts.Resolver.Resolve(m.store.Identity())
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}

		err = supervisor.CheckLock(p.LockFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete: %w", err)
		}

		var result *multierror.Error

		err = p.RemoveRuntimeFiles()
		if err != nil {
			result = multierror.Append(result, err)
		}

		err = os.RemoveAll(m.store.Path())
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}

		if result.ErrorOrNil() != nil {
			return fmt.Errorf("delete: %w", result)
		}

		m.setState(StateDeleted, nil)

		return nil
	})
}

func (m *QEMUMachine) monitorFor(ctx context.Context, op string, allowed ...State) (Monitor, error) {
	var mon Monitor

	err := m.request(ctx, op, allowed, func() error {
		mon = m.sess.monitor
		return nil
	})

	return mon, err
}

// RequestPowerdown asks the guest to shut down. Once it did, the machine
// stops.
func (m *QEMUMachine) RequestPowerdown(ctx context.Context) error {
	mon, err := m.monitorFor(ctx, "powerdown", StateRunning)
	if err != nil {
		return err
	}

	return mon.SystemPowerdown()
}

func (m *QEMUMachine) removableDrive(id string) (config.Drive, error) {
	settings := m.store.Settings()

	drive, exists := settings.Drive(id)
	if !exists {
		return config.Drive{}, fmt.Errorf("%w: no drive with id %s", config.ErrInvalidSetting, id)
	}

	if !drive.Removable {
		return config.Drive{}, fmt.Errorf("%w: %s", ErrNotRemovable, id)
	}

	return drive, nil
}

// Eject removes the medium from the removable drive. The drive is saved as
// empty.
func (m *QEMUMachine) Eject(ctx context.Context, driveID string, force bool) error {
	_, err := m.removableDrive(driveID)
	if err != nil {
		return err
	}

	mon, err := m.monitorFor(ctx, "eject", StateRunning, StatePaused)
	if err != nil {
		return err
	}

	err = mon.Eject(qemu.DeviceID(driveID), force)
	if err != nil {
		return err
	}

	return m.saveImagePath(driveID, "")
}

// ChangeMedium inserts the image into the removable drive. Relative paths
// are resolved within the storage directory. The new image is saved.
func (m *QEMUMachine) ChangeMedium(ctx context.Context, driveID, image string) error {
	_, err := m.removableDrive(driveID)
	if err != nil {
		return err
	}

	file := image
	if !filepath.IsAbs(image) {
		file, err = securejoin.SecureJoin(m.store.Path(), image)
		if err != nil {
			return fmt.Errorf("image path: %w", err)
		}
	}

	mon, err := m.monitorFor(ctx, "change medium", StateRunning, StatePaused)
	if err != nil {
		return err
	}

	err = mon.ChangeMedium(qemu.DeviceID(driveID), file)
	if err != nil {
		return err
	}

	return m.saveImagePath(driveID, image)
}

func (m *QEMUMachine) saveImagePath(driveID, image string) error {
	err := m.store.Update(func(s *config.Settings) error {
		for idx := range s.Drives {
			if s.Drives[idx].ID == driveID {
				s.Drives[idx].ImagePath = image
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	return m.store.Save()
}

// Close stops the machine, if it is active, and terminates the event loop.
// A process left behind in [StateError] is killed. If ctx is done before
// the machine stopped, the process is killed and the context's error is
// returned.
func (m *QEMUMachine) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closeErr = m.close(ctx)
	})

	return m.closeErr
}

func (m *QEMUMachine) close(ctx context.Context) error {
	background := context.Background()

	_ = m.do(background, func() error {
		m.closing = true
		return nil
	})

	err := m.settle(ctx)
	if err != nil {
		m.log.Warn("Machine did not stop in time, killing it", slog.Any("error", err))

		m.cancel()

		_ = m.do(background, func() error {
			if s := m.State(); s == StateRunning || s == StatePaused {
				m.stop()
			}

			if m.sess != nil {
				handle := m.sess.handle
				m.spawn(func() {
					_, _ = m.opts.Launcher.Terminate(handle, false)
				})
			}

			return nil
		})

		_ = m.settle(background)
	}

	_ = m.do(background, func() error {
		m.kill()
		return nil
	})

	close(m.quit)
	<-m.loopDone
	m.workers.Wait()
	m.cancel()

	if err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return nil
}

// settle stops an active machine and waits until it reached a settled
// state.
func (m *QEMUMachine) settle(ctx context.Context) error {
	for {
		state, changed := m.watchState()

		if state.Settled() {
			return nil
		}

		if state == StateRunning || state == StatePaused {
			err := m.do(ctx, func() error {
				if s := m.State(); s == StateRunning || s == StatePaused {
					m.stop()
				}

				return nil
			})
			if err != nil {
				return err
			}

			continue
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
