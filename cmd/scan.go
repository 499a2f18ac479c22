package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type scanEntry struct {
	Address    string   `json:"address"`
	Name       string   `json:"name"`
	RSSI       int16    `json:"rssi"`
	Services   []string `json:"services"`
	Transports []string `json:"transports"`
}

func newScanCommand(opts *rootOptions) *cobra.Command {
	var duration time.Duration
	scanCmd := &cobra.Command{
		Use:           "scan",
		Short:         "List advertising devices and the transports they would be tried with",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts, duration)
		},
	}
	scanCmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to listen for advertisements")
	return scanCmd
}

func runScan(cmd *cobra.Command, opts *rootOptions, duration time.Duration) error {
	out := newOutputFormatter(cmd)
	h, err := openHub(opts.settings)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	unlisten := h.scanner.ListenErrors(errCh)
	defer unlisten()

	token := h.scanner.Acquire("cli scan")
	defer h.scanner.Release(token)

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case err := <-errCh:
		return err
	}

	results := h.scanner.Results()
	entries := make([]scanEntry, 0, len(results))
	for _, adv := range results {
		entries = append(entries, scanEntry{
			Address:    adv.Address,
			Name:       adv.DisplayName(),
			RSSI:       adv.RSSI,
			Services:   adv.ServiceUUIDs,
			Transports: h.registry.Matching(adv),
		})
	}

	if out.JSON() {
		return out.PrintJSON(entries)
	}
	if len(entries) == 0 {
		return out.Success("No devices found", nil)
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		transports := strings.Join(e.Transports, ",")
		if transports == "" {
			transports = "-"
		}
		rows = append(rows, []string{e.Address, e.Name, fmt.Sprintf("%d", e.RSSI), transports})
	}
	return out.PrintTable([]string{"ADDRESS", "NAME", "RSSI", "TRANSPORTS"}, rows)
}
