package console

import (
	"fmt"
	"strings"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/device"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/manager"
)

func formatScanRow(r ScanRow) string {
	transports := "[gray]no known service[white]"
	if len(r.Transports) > 0 {
		transports = strings.Join(r.Transports, ",")
	}
	return fmt.Sprintf("%s (%s) %ddBm %s", r.Name, r.Address, r.RSSI, transports)
}

func formatDeviceRow(r DeviceRow) string {
	return fmt.Sprintf("%s %s (%s) %s", stateDot(r.State), r.Name, r.ID, strings.Join(r.Transports, ","))
}

func stateDot(s device.ConnectionState) string {
	switch s {
	case device.Connected:
		return "[green]●[white]"
	case device.Connecting:
		return "[yellow]●[white]"
	default:
		return "[red]●[white]"
	}
}

func unitOf(role manager.Role) string {
	switch role {
	case manager.PowerSource:
		return "W"
	case manager.CadenceSource:
		return "rpm"
	case manager.SpeedSource:
		return "km/h"
	case manager.HeartRateSource:
		return "bpm"
	default:
		return ""
	}
}

func formatReading(role manager.Role, r device.Reading) string {
	if !r.Valid {
		return "[gray]--[white]"
	}
	if role == manager.SpeedSource {
		return fmt.Sprintf("[yellow]%.1f[white] %s", r.Value, unitOf(role))
	}
	return fmt.Sprintf("[yellow]%.0f[white] %s", r.Value, unitOf(role))
}

// formatRoles renders one line per role
func formatRoles(rows []RoleRow) string {
	var b strings.Builder
	b.WriteString("\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "  %-16s ", r.Role)
		if !r.Assigned {
			b.WriteString("[gray]unassigned[white]\n")
			continue
		}
		fmt.Fprintf(&b, "%s %s", stateDot(r.State), r.DeviceName)
		if r.Manual {
			b.WriteString(" [gray](manual)[white]")
		}
		if r.Role != manager.PrimaryTrainer {
			b.WriteString("  " + formatReading(r.Role, r.Reading))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatControl(c ControlRow, targetPower int16, grade float64) string {
	if !c.Available {
		return "\n  [gray]No trainer control active[white]\n\n" +
			"  Connect a smart trainer and assign it PrimaryTrainer (key 1).\n"
	}

	var b strings.Builder
	b.WriteString("\n")
	switch {
	case c.Session.State != ftms.Active:
		fmt.Fprintf(&b, "  [green]●[white] Session: [yellow]%s[white]\n\n", c.Session)
	case c.Session.Mode == ftms.ModeERG:
		b.WriteString("  [green]●[white] Mode: [yellow]ERG (Target Power)[white]\n\n")
		fmt.Fprintf(&b, "  Target Power:  [yellow]%d[white] W\n\n", c.Session.TargetPower)
	case c.Session.Mode == ftms.ModeSimulation:
		b.WriteString("  [green]●[white] Mode: [yellow]Simulation[white]\n\n")
		fmt.Fprintf(&b, "  Grade:         [yellow]%.1f[white] %%\n\n", c.Session.Simulation.Grade)
	default:
		fmt.Fprintf(&b, "  [green]●[white] Session: [yellow]%s[white]\n\n", c.Session)
	}
	fmt.Fprintf(&b, "  [gray]Next:[white] %d W / %.1f %%\n\n", targetPower, grade)
	b.WriteString("  [yellow]+[white]/[yellow]-[white] power  [yellow]g[white]/[yellow]G[white] grade  [yellow]r[white] release\n")
	return b.String()
}
