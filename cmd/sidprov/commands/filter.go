package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/sidewalk-mfg/sidprov-go/pkg/log"
)

// FilterOptions specifies the event selection of the view and filter commands.
type FilterOptions struct {
	RunID     string
	SMSN      string
	TimeStart string
	TimeEnd   string
	Layer     string
	Direction string
	Category  string
	Command   string
}

// Filter converts the options into a capture filter.
func (o FilterOptions) Filter() (log.Filter, error) {
	filter := log.Filter{RunID: o.RunID, SMSN: o.SMSN}

	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return filter, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return filter, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	if o.Layer != "" {
		l, err := parseLayer(o.Layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if o.Direction != "" {
		d, err := parseDirection(o.Direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if o.Category != "" {
		c, err := parseCategory(o.Category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	if o.Command != "" {
		c, err := parseCommand(o.Command)
		if err != nil {
			return filter, err
		}
		filter.Command = &c
	}
	return filter, nil
}

// RunFilter writes the events of path matching opts to a new capture file
// and returns the number of events written.
func RunFilter(path, output string, opts FilterOptions) (int, error) {
	filter, err := opts.Filter()
	if err != nil {
		return 0, err
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer reader.Close()

	logger, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output logger: %w", err)
	}

	count := 0
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Close()
			return count, fmt.Errorf("failed to read event: %w", err)
		}
		logger.Log(event)
		count++
	}
	return count, logger.Close()
}
