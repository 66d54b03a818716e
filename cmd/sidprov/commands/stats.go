package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sidewalk-mfg/sidprov-go/pkg/log"
	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

// Stats holds aggregate statistics about a capture file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Commands          map[wire.Command]int
	FailedStatuses    map[wire.Status]int
	Runs              map[string]*RunSummary
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// RunSummary holds statistics for a single provisioning run.
type RunSummary struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	Requests  int
	Target    string
	SMSN      string
	Mode      string
	Result    string
}

// collectStats reads every event of the capture file.
func collectStats(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Commands:          make(map[wire.Command]int),
		FailedStatuses:    make(map[wire.Status]int),
		Runs:              make(map[string]*RunSummary),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}
	return stats, nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	run, ok := s.Runs[event.RunID]
	if !ok {
		run = &RunSummary{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Runs[event.RunID] = run
	}
	run.Events++
	if event.Timestamp.After(run.LastSeen) {
		run.LastSeen = event.Timestamp
	}
	if event.Target != "" && run.Target == "" {
		run.Target = event.Target
	}
	if event.SMSN != "" {
		run.SMSN = event.SMSN
	}

	if msg := event.Message; msg != nil {
		switch msg.Type {
		case log.MessageTypeRequest:
			s.Commands[msg.Command]++
			run.Requests++
		case log.MessageTypeResponse:
			if msg.Status != nil && *msg.Status != wire.StatusSuccess {
				s.FailedStatuses[*msg.Status]++
			}
		}
	}
	if sc := event.StateChange; sc != nil && sc.Entity == log.StateEntityRun {
		if sc.NewState == "STARTED" {
			run.Mode = sc.Reason
		} else {
			run.Result = sc.NewState
		}
	}
	if event.Error != nil {
		s.Errors++
	}
}

// RunStats analyzes the capture file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := collectStats(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== DPP Capture Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerProbe, log.LayerWire, log.LayerSession} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.Commands) > 0 {
		fmt.Fprintln(w, "Requests by Command:")
		for _, cmd := range wire.Commands {
			if count := stats.Commands[cmd]; count > 0 {
				fmt.Fprintf(w, "  %-20s %d\n", cmd.String()+":", count)
			}
		}
		fmt.Fprintln(w)
	}

	if len(stats.FailedStatuses) > 0 {
		fmt.Fprintln(w, "Failed Responses:")
		statuses := make([]wire.Status, 0, len(stats.FailedStatuses))
		for st := range stats.FailedStatuses {
			statuses = append(statuses, st)
		}
		sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
		for _, st := range statuses {
			fmt.Fprintf(w, "  %s: %d\n", st.String(), stats.FailedStatuses[st])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Runs: %d\n", len(stats.Runs))
	if len(stats.Runs) > 0 {
		type runInfo struct {
			id    string
			stats *RunSummary
		}
		runs := make([]runInfo, 0, len(stats.Runs))
		for id, rs := range stats.Runs {
			runs = append(runs, runInfo{id, rs})
		}
		sort.Slice(runs, func(i, j int) bool {
			return runs[i].stats.FirstSeen.Before(runs[j].stats.FirstSeen)
		})

		fmt.Fprintln(w, "")
		for _, r := range runs {
			duration := r.stats.LastSeen.Sub(r.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, %d requests, duration %s\n",
				shortenRunID(r.id), r.stats.Events, r.stats.Requests, duration)
			if r.stats.Mode != "" {
				fmt.Fprintf(w, "           Mode: %s\n", r.stats.Mode)
			}
			if r.stats.Result != "" {
				fmt.Fprintf(w, "           Result: %s\n", r.stats.Result)
			}
			if r.stats.Target != "" {
				fmt.Fprintf(w, "           Target: %s\n", r.stats.Target)
			}
			if r.stats.SMSN != "" {
				fmt.Fprintf(w, "           SMSN: %s\n", r.stats.SMSN)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
