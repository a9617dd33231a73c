package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tailorcv/backend/internal/client"
	"github.com/tailorcv/backend/internal/status"
	"github.com/tailorcv/backend/internal/watch"
)

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8080", "Base URL of the status backend")
	jobID := flag.String("job", "", "Job ID to watch")
	token := flag.String("token", "", "Auth token (if backend requires it)")
	flag.Parse()

	if *jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: statuswatch -job <job-id> [-url <base-url>] [-token <token>]")
		os.Exit(1)
	}

	// The hook callbacks run on the view's goroutines; the buffered channel
	// hands them to the Bubble Tea loop.
	events := make(chan tea.Msg, 32)

	fetcher := client.NewHTTPFetcher(*baseURL, *token)
	fetcher.OnResource = func(jobID string, stage status.Stage, body json.RawMessage) {
		events <- watch.ResourceMsg{Stage: stage, Bytes: len(body)}
	}

	cfg := client.Config{Token: *token}
	view := client.NewJobView(*baseURL, *jobID, fetcher, cfg, client.Hooks{
		OnUpdate: func(w status.Watermark, advanced []status.Stage) {
			events <- watch.UpdateMsg{Watermark: w, Advanced: advanced}
		},
		OnState: func(state client.ConnState, attempts int) {
			events <- watch.StateMsg{State: state, Attempts: attempts}
		},
		OnComplete: func() {
			events <- watch.CompleteMsg{}
		},
	})
	view.Start(context.Background())

	m := watch.New(*jobID, view, events)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
