package main

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/logging"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/manager"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/store"
)

func newRolesCommand(opts *rootOptions) *cobra.Command {
	rolesCmd := &cobra.Command{
		Use:           "roles",
		Short:         "Show or edit persisted role assignments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rolesListCmd := &cobra.Command{
		Use:           "list",
		Short:         "List role assignments",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rolesList(cmd, opts)
		},
	}

	var name string
	rolesAssignCmd := &cobra.Command{
		Use:           "assign <role> <device-id>",
		Short:         "Assign a device to a role, replacing the current holder",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rolesAssign(cmd, opts, args[0], args[1], name)
		},
	}
	rolesAssignCmd.Flags().StringVar(&name, "name", "", "display name of the device")

	var all bool
	rolesClearCmd := &cobra.Command{
		Use:           "clear [role]",
		Short:         "Clear one role, or every role with --all",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give either a role or --all")
			}
			role := ""
			if len(args) == 1 {
				role = args[0]
			}
			return rolesClear(cmd, opts, role)
		},
	}
	rolesClearCmd.Flags().BoolVar(&all, "all", false, "clear every role")

	rolesCmd.AddCommand(rolesListCmd, rolesAssignCmd, rolesClearCmd)
	return rolesCmd
}

// withRecords opens the configured store, hands its records to fn and saves
// them when fn reports a change
func withRecords(cmd *cobra.Command, opts *rootOptions, fn func(records []store.Record) ([]store.Record, bool, error)) error {
	logger, err := logging.New(opts.settings.Logging())
	if err != nil {
		return err
	}
	defer logger.Close()

	backend, err := store.Open(logger.Logger, opts.settings.Store.Backend, opts.settings.Store.Path)
	if err != nil {
		return err
	}
	defer backend.Close()

	records, err := backend.Load()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: ignoring unreadable assignments in %s: %v\n", backend.Path(), err)
		records = nil
	}
	updated, changed, err := fn(records)
	if err != nil || !changed {
		return err
	}
	return backend.Save(updated)
}

func rolesList(cmd *cobra.Command, opts *rootOptions) error {
	out := newOutputFormatter(cmd)
	return withRecords(cmd, opts, func(records []store.Record) ([]store.Record, bool, error) {
		if out.JSON() {
			if records == nil {
				records = []store.Record{}
			}
			return nil, false, out.PrintJSON(records)
		}
		if len(records) == 0 {
			return nil, false, out.Success("No roles assigned", nil)
		}
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, []string{r.Role, r.DeviceID, r.DeviceName, r.AssignedAt.Format(time.RFC3339)})
		}
		return nil, false, out.PrintTable([]string{"ROLE", "DEVICE", "NAME", "ASSIGNED"}, rows)
	})
}

func rolesAssign(cmd *cobra.Command, opts *rootOptions, roleName, deviceID, deviceName string) error {
	role, err := manager.ParseRole(roleName)
	if err != nil {
		return err
	}
	if deviceName == "" {
		deviceName = deviceID
	}
	out := newOutputFormatter(cmd)
	return withRecords(cmd, opts, func(records []store.Record) ([]store.Record, bool, error) {
		records = slices.DeleteFunc(records, func(r store.Record) bool { return r.Role == role.String() })
		records = append(records, store.Record{
			DeviceID:   deviceID,
			DeviceName: deviceName,
			Role:       role.String(),
			AssignedAt: time.Now().UTC(),
		})
		return records, true, out.Success(fmt.Sprintf("%s assigned to %s", role, deviceID),
			map[string]any{"role": role.String(), "deviceId": deviceID})
	})
}

// rolesClear removes role, or every assignment when role is empty
func rolesClear(cmd *cobra.Command, opts *rootOptions, roleName string) error {
	var role manager.Role
	if roleName != "" {
		var err error
		if role, err = manager.ParseRole(roleName); err != nil {
			return err
		}
	}
	out := newOutputFormatter(cmd)
	return withRecords(cmd, opts, func(records []store.Record) ([]store.Record, bool, error) {
		before := len(records)
		records = slices.DeleteFunc(records, func(r store.Record) bool {
			return roleName == "" || r.Role == role.String()
		})
		cleared := before - len(records)
		return records, cleared > 0, out.Success(fmt.Sprintf("Cleared %d assignment(s)", cleared),
			map[string]any{"cleared": cleared})
	})
}
