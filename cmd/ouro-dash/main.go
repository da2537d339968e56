// Package main implements ouro-dash, a live terminal dashboard for a
// running ouro supervisor.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

// robotMode outputs a JSON snapshot of the supervisor status and recent
// events.
func robotMode(snap snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func main() {
	paths := resolveDashPaths()

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		data, err := robotMode(takeSnapshot(context.Background(), paths))
		if err != nil {
			fmt.Fprintf(os.Stderr, "ouro-dash: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	p := tea.NewProgram(newModel(paths), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
