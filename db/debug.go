package db

import (
	"fmt"
	"io"
	"time"
)

// PrintHistoryCLI writes the most recent journal entries for the debug tool.
func PrintHistoryCLI(w io.Writer, dbPath string, relay, limit int) error {
	j, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer j.Close()

	cmds, err := j.RecentCommands(limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Commands:")
	for _, c := range cmds {
		if relay != 0 && c.Relay != relay {
			continue
		}
		line := fmt.Sprintf("  %s  relay %d -> %-3s seq %3d", c.At.Local().Format(time.DateTime), c.Relay, c.State, c.Seq)
		if c.Error != "" {
			line += "  error: " + c.Error
		}
		fmt.Fprintln(w, line)
	}

	changes, err := j.RecentStateChanges(relay, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "State changes:")
	for _, c := range changes {
		fmt.Fprintf(w, "  %s  relay %d = %-3s (%s)\n", c.At.Local().Format(time.DateTime), c.Relay, c.State, c.Source)
	}
	return nil
}
