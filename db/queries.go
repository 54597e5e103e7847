package db

import (
	"fmt"
	"time"

	"github.com/thatsimonsguy/relayboard/internal/model"
)

type CommandEntry struct {
	At    time.Time        `json:"at"`
	Relay int              `json:"relay_number"`
	State model.RelayState `json:"state"`
	Seq   int              `json:"seq"`
	Error string           `json:"error,omitempty"`
}

type StateChangeEntry struct {
	At     time.Time        `json:"at"`
	Relay  int              `json:"relay_number"`
	State  model.RelayState `json:"state"`
	Source string           `json:"source"`
}

// RecentCommands returns up to limit commands, newest first.
func (j *Journal) RecentCommands(limit int) ([]CommandEntry, error) {
	j.Flush()
	rows, err := j.db.Query(`SELECT at, relay, state, seq, COALESCE(error, '') FROM commands ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var out []CommandEntry
	for rows.Next() {
		var e CommandEntry
		var at, state string
		if err := rows.Scan(&at, &e.Relay, &state, &e.Seq, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		e.At, _ = time.Parse(timeLayout, at)
		e.State = model.RelayState(state)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentStateChanges returns up to limit confirmed changes for relay,
// newest first. A relay of 0 selects every relay.
func (j *Journal) RecentStateChanges(relay, limit int) ([]StateChangeEntry, error) {
	j.Flush()
	rows, err := j.db.Query(`SELECT at, relay, state, source FROM state_changes
		WHERE ? = 0 OR relay = ? ORDER BY id DESC LIMIT ?`, relay, relay, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query state changes: %w", err)
	}
	defer rows.Close()

	var out []StateChangeEntry
	for rows.Next() {
		var e StateChangeEntry
		var at, state string
		if err := rows.Scan(&at, &e.Relay, &state, &e.Source); err != nil {
			return nil, fmt.Errorf("failed to scan state change: %w", err)
		}
		e.At, _ = time.Parse(timeLayout, at)
		e.State = model.RelayState(state)
		out = append(out, e)
	}
	return out, rows.Err()
}
