// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aibor/virtman/internal/console"
	"github.com/aibor/virtman/internal/supervisor"
	"github.com/aibor/virtman/internal/vm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// closeMargin is added to the grace period for closing the machines.
const closeMargin = 5 * time.Second

type runOptions struct {
	gracePeriod    time.Duration
	startTimeout   time.Duration
	metricsAddress string
	noConsole      bool
	noWatch        bool
}

func newRunCommand(opts *globalOptions) *cobra.Command {
	run := &runOptions{
		gracePeriod:  supervisor.DefaultGracePeriod,
		startTimeout: vm.DefaultStartTimeout,
	}

	cmd := &cobra.Command{
		Use:   "run [flags] DIR",
		Short: "Run the machine in the foreground",
		Long: `Run the machine in the foreground.

The terminal is attached to the serial console of the machine. Press Ctrl-]
to detach. Detaching, SIGINT and SIGTERM stop the machine: it is asked to
terminate and killed if it did not exit within the grace period.

Changes of the configuration document while the machine is running are
picked up, but take effect on the next start only.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run.run(cmd.Context(), opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&run.gracePeriod, "grace-period", run.gracePeriod,
		"time the machine has to exit after being asked to terminate")
	flags.DurationVar(&run.startTimeout, "start-timeout", run.startTimeout,
		"time the machine has to accept management connections")
	flags.StringVar(&run.metricsAddress, "metrics-address", "",
		"serve prometheus metrics on this address, like localhost:9100")
	flags.BoolVar(&run.noConsole, "no-console", false, "do not attach the terminal to the serial console")
	flags.BoolVar(&run.noWatch, "no-watch", false, "do not reload the configuration document on changes")

	return cmd
}

func (o *runOptions) run(ctx context.Context, opts *globalOptions, dir string) error {
	reg := prometheus.NewRegistry()

	metrics, err := vm.NewMetrics(reg)
	if err != nil {
		return err
	}

	registry := vm.NewRegistry(vm.BackendQEMU, vm.Options{
		Launcher:     supervisor.New(o.gracePeriod),
		Resolver:     opts.resolver(),
		Metrics:      metrics,
		StartTimeout: o.startTimeout,
	})

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.gracePeriod+closeMargin)
		defer cancel()

		err := registry.Close(closeCtx) //nolint:contextcheck
		if err != nil {
			slog.Error("Failed to close machine", slog.Any("error", err))
		}
	}()

	machine, err := registry.Open(dir)
	if err != nil {
		return err
	}

	serviceCtx, stopServices := context.WithCancel(ctx)
	services, serviceCtx := errgroup.WithContext(serviceCtx)

	defer func() {
		stopServices()

		err := services.Wait()
		if err != nil {
			slog.Warn("Service failed", slog.Any("error", err))
		}
	}()

	if o.metricsAddress != "" {
		_, err := serveMetrics(serviceCtx, services, o.metricsAddress, reg)
		if err != nil {
			return err
		}
	}

	if !o.noWatch {
		services.Go(func() error {
			return machine.Store().Watch(serviceCtx, func(err error) {
				if err == nil {
					slog.Info("Configuration reloaded, changes take effect on next start")
				}
			})
		})
	}

	r := newRunner(machine, opts.io, !o.noConsole)

	return r.run(ctx)
}

type transition struct {
	from, to vm.State
	err      error
}

// runner drives a single machine in the foreground until it stopped or
// failed.
type runner struct {
	machine vm.Machine
	io      IO
	console bool

	// transitions queues the published transitions in order. notify is
	// signaled whenever the queue is not empty.
	transitionsMu sync.Mutex
	transitions   []transition
	notify        chan struct{}

	detached chan struct{}

	attachCtx    context.Context //nolint:containedctx
	cancelAttach context.CancelFunc
	attached     sync.WaitGroup
}

func newRunner(machine vm.Machine, cfg IO, attachConsole bool) *runner {
	attachCtx, cancel := context.WithCancel(context.Background())

	return &runner{
		machine:      machine,
		io:           cfg,
		console:      attachConsole,
		notify:       make(chan struct{}, 1),
		detached:     make(chan struct{}, 1),
		attachCtx:    attachCtx,
		cancelAttach: cancel,
	}
}

// StateChanged implements [vm.Observer]. It never blocks, as it is called on
// the event loop of the machine.
func (r *runner) StateChanged(from, to vm.State, err error) {
	r.transitionsMu.Lock()
	r.transitions = append(r.transitions, transition{from: from, to: to, err: err})
	r.transitionsMu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// takeTransitions returns the queued transitions and empties the queue.
func (r *runner) takeTransitions() []transition {
	r.transitionsMu.Lock()
	defer r.transitionsMu.Unlock()

	queued := r.transitions
	r.transitions = nil

	return queued
}

// ChannelsOpened implements [vm.IODelegate].
func (r *runner) ChannelsOpened(channels *vm.IOChannels) {
	if channels.DisplayType == vm.DisplayFullGraphic {
		fmt.Fprintf(r.io.Stderr, "Display: spice+unix://%s\n", channels.DisplaySocket)
	}

	if !r.console || channels.Console == nil {
		return
	}

	r.attached.Add(1)

	go func() {
		defer r.attached.Done()
		r.attach(channels.Console)
	}()
}

// ChannelsClosed implements [vm.IODelegate]. The console connection is
// closed by the machine, which ends the attachment.
func (*runner) ChannelsClosed() {}

func (r *runner) attach(conn io.ReadWriteCloser) {
	if file, ok := r.io.Stdin.(*os.File); ok {
		restore, err := console.MakeRaw(int(file.Fd()))
		if err != nil {
			slog.Warn("Failed to set terminal raw mode", slog.Any("error", err))
		} else {
			defer func() { _ = restore() }()
		}
	}

	fmt.Fprintln(r.io.Stderr, "Console attached, press Ctrl-] to detach")

	err := console.Attach(r.attachCtx, conn, r.io.Stdin, r.io.Stdout)

	switch {
	case errors.Is(err, console.ErrDetached):
		select {
		case r.detached <- struct{}{}:
		default:
		}
	case err != nil && r.attachCtx.Err() == nil:
		slog.Warn("Console failed", slog.Any("error", err))
	}
}

func (r *runner) run(ctx context.Context) error {
	defer func() {
		r.cancelAttach()
		r.attached.Wait()
	}()

	observer, err := r.machine.RegisterObserver(r)
	if err != nil {
		return err
	}
	defer observer.Unregister()

	delegate, err := r.machine.RegisterIODelegate(r)
	if err != nil {
		return err
	}
	defer delegate.Unregister()

	err = r.machine.Start(ctx)
	if err != nil {
		return err
	}

	return r.wait(ctx)
}

// wait processes state transitions until the machine is stopped or failed.
// A stop requested while the machine is starting is executed once it is
// running.
func (r *runner) wait(ctx context.Context) error {
	var (
		interrupted = ctx.Done()
		stopPending bool
	)

	log := slog.With(slog.String("vm", r.machine.Store().Name()))

	for {
		select {
		case <-r.notify:
			for _, t := range r.takeTransitions() {
				done, err := r.handle(ctx, log, t, stopPending)
				if done {
					return err
				}
			}
		case <-interrupted:
			interrupted = nil
			stopPending = true

			log.Info("Interrupted, stopping machine")
			r.stop(ctx, log)
		case <-r.detached:
			stopPending = true

			log.Info("Console detached, stopping machine")
			r.stop(ctx, log)
		}
	}
}

// handle processes a single transition. It returns true if the machine
// reached a final state, along with the error to return for it.
func (r *runner) handle(ctx context.Context, log *slog.Logger, t transition, stopPending bool) (bool, error) {
	attrs := []any{
		slog.String("from", t.from.String()),
		slog.String("to", t.to.String()),
	}

	if t.err != nil {
		log.Warn("Machine state changed", append(attrs, slog.Any("error", t.err))...)
	} else {
		log.Info("Machine state changed", attrs...)
	}

	switch t.to {
	case vm.StateRunning, vm.StatePaused:
		if stopPending {
			r.stop(ctx, log)
		}
	case vm.StateStopped, vm.StateDeleted:
		return true, nil
	case vm.StateError:
		if t.err == nil {
			return true, ErrMachineFailed
		}

		return true, fmt.Errorf("%w: %w", ErrMachineFailed, t.err)
	default:
	}

	return false, nil
}

func (r *runner) stop(ctx context.Context, log *slog.Logger) {
	err := r.machine.Stop(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, vm.ErrOperationInProgress) {
		log.Debug("Stop not possible", slog.Any("error", err))
	}
}

func newDeleteCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete DIR",
		Short: "Delete the machine along with its storage directory",
		Long: `Delete the machine along with its storage directory.

All files in the storage directory are removed, including disk images. Images
outside of it are kept. Running machines can not be deleted.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := vm.NewRegistry(vm.BackendQEMU, vm.Options{
				Resolver: opts.resolver(),
			})

			machine, err := registry.Open(args[0])
			if err != nil {
				return err
			}

			err = machine.Delete(cmd.Context())

			closeErr := registry.Close(context.WithoutCancel(cmd.Context()))
			if err != nil {
				return err
			}

			if closeErr != nil {
				return closeErr
			}

			fmt.Fprintf(opts.io.Stdout, "Deleted %s\n", machine.Store().Name())

			return nil
		},
	}
}
