package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/console"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/logging"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/manager"
)

const consoleRefresh = time.Second

func newRunCommand(opts *rootOptions) *cobra.Command {
	var headless bool
	runCmd := &cobra.Command{
		Use:           "run",
		Short:         "Start the device manager with the terminal console",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if headless {
				return runHeadless(ctx, cmd, opts)
			}
			return runConsole(ctx, opts)
		},
	}
	runCmd.Flags().BoolVar(&headless, "headless", false, "log to stderr instead of opening the console")
	return runCmd
}

// runHeadless keeps assigned devices connected until ctx ends
func runHeadless(ctx context.Context, cmd *cobra.Command, opts *rootOptions) error {
	h, err := openHub(opts.settings, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer h.Close()
	if err := h.openManager(); err != nil {
		return err
	}
	for _, a := range h.manager.Assignments() {
		h.logger.Printf("Hub: %s", a)
	}

	events := make(chan manager.Event, 16)
	unlisten := h.manager.Listen(events)
	defer unlisten()
	h.manager.Start()

	for {
		select {
		case <-ctx.Done():
			h.logger.Println("Hub: shutting down")
			return nil
		case e := <-events:
			if e.Err != nil {
				h.logger.Printf("Hub: %s %s: %v", e.Kind, e.DeviceID, e.Err)
			} else {
				h.logger.Printf("Hub: %s %s", e.Kind, e.DeviceID)
			}
		}
	}
}

// runConsole runs the terminal console until the user quits or ctx ends
func runConsole(ctx context.Context, opts *rootOptions) error {
	lines := logging.NewLineWriter(256)
	h, err := openHub(opts.settings, lines)
	if err != nil {
		return err
	}
	defer h.Close()
	if err := h.openManager(); err != nil {
		return err
	}
	h.manager.Start()

	logger := h.logger.Logger
	app := tview.NewApplication()
	model := console.NewModel(logger, h.manager, h.scanner, h.registry, lines.Lines(), consoleRefresh)
	controller := console.NewController(logger, model, h.manager, h.scanner, h.settings.Connect.Timeout)
	view := console.NewView(logger, app, model, controller)

	done := make(chan struct{})
	go_func_utils.SafeGo(logger, func() {
		select {
		case <-ctx.Done():
			model.RequestCloseApplication()
		case <-done:
		}
	})

	err = view.Run()
	close(done)
	view.Shutdown()
	controller.Shutdown()
	model.Shutdown()
	return err
}
