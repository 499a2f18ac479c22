package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// OutputFormatter prints either JSON or human readable tables
type OutputFormatter struct {
	out      io.Writer
	jsonMode bool
}

// newOutputFormatter creates a formatter from the command's --json flag
func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{out: cmd.OutOrStdout(), jsonMode: jsonMode}
}

func (f *OutputFormatter) JSON() bool {
	return f.jsonMode
}

// PrintJSON writes data as indented JSON
func (f *OutputFormatter) PrintJSON(data any) error {
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(f.out, string(jsonBytes))
	return err
}

// PrintTable writes rows under header with aligned columns
func (f *OutputFormatter) PrintTable(header []string, rows [][]string) error {
	w := tabwriter.NewWriter(f.out, 0, 0, 2, ' ', 0)
	writeRow := func(cols []string) {
		for i, c := range cols {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, c)
		}
		fmt.Fprintln(w)
	}
	writeRow(header)
	for _, r := range rows {
		writeRow(r)
	}
	return w.Flush()
}

// Success prints message, or {"success":true,...} in JSON mode
func (f *OutputFormatter) Success(message string, data map[string]any) error {
	if !f.jsonMode {
		_, err := fmt.Fprintln(f.out, message)
		return err
	}
	output := map[string]any{
		"success": true,
		"message": message,
	}
	for k, v := range data {
		output[k] = v
	}
	return f.PrintJSON(output)
}
