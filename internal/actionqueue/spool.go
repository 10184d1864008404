package actionqueue

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nugget/aios-core/internal/scheduler"
)

// SpoolRequest is one line of the pending-actions spool file, the append
// surface external producers use to hand action requests to the queue
// without linking against it. Field names match the journal's snake_case
// wire convention; unknown fields are ignored.
type SpoolRequest struct {
	Type        string         `json:"type"`
	Target      string         `json:"target"`
	Params      map[string]any `json:"params"`
	Risk        Risk           `json:"risk"`
	Priority    string         `json:"priority"`
	Approved    bool           `json:"approved"`
	ProcessName string         `json:"process_name"`
}

// parsePriority maps the spool file's "P0".."P3" strings onto
// scheduler.Priority, defaulting to P2 (medium) for anything else so a
// producer that omits the field gets a sane middle-of-the-road slot.
func parsePriority(s string) scheduler.Priority {
	switch s {
	case "P0":
		return scheduler.P0
	case "P1":
		return scheduler.P1
	case "P3":
		return scheduler.P3
	default:
		return scheduler.P2
	}
}

// IngestSpool drains the spool file at path: every parseable line is
// enqueued as an ordinary Action and the file is consumed. The file is
// renamed aside before reading so a producer appending mid-ingest opens
// a fresh spool rather than racing the truncation; the renamed file is
// removed once every line has been handed to Enqueue. Lines that fail
// to parse are logged and skipped, same as a torn journal line.
//
// Returns the number of requests enqueued (dedup and guardrail skips
// still count as ingested; the spool's contract is consumption, not
// execution).
func (q *Queue) IngestSpool(ctx context.Context, path string) (int, error) {
	work := path + ".ingest"
	if err := os.Rename(path, work); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("actionqueue: claim spool: %w", err)
	}

	f, err := os.Open(work)
	if err != nil {
		return 0, fmt.Errorf("actionqueue: open claimed spool: %w", err)
	}
	defer f.Close()

	ingested := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req SpoolRequest
		if err := json.Unmarshal(line, &req); err != nil {
			q.logger.Warn("actionqueue: skipping unparsable spool line", "error", err)
			continue
		}
		if req.Type == "" {
			q.logger.Warn("actionqueue: skipping spool line with empty type")
			continue
		}
		action := &Action{
			Type:        req.Type,
			Target:      req.Target,
			Params:      req.Params,
			Risk:        req.Risk,
			Priority:    parsePriority(req.Priority),
			Approved:    req.Approved,
			ProcessName: req.ProcessName,
		}
		if _, _, err := q.Enqueue(ctx, action); err != nil {
			// Leave the claimed file in place so the unprocessed tail
			// survives; the next tick re-claims nothing (the spool path
			// is gone) but an operator can recover the .ingest file.
			return ingested, fmt.Errorf("actionqueue: enqueue spooled action: %w", err)
		}
		ingested++
	}
	if err := scanner.Err(); err != nil {
		return ingested, fmt.Errorf("actionqueue: read claimed spool: %w", err)
	}

	if err := os.Remove(work); err != nil {
		return ingested, fmt.Errorf("actionqueue: remove claimed spool: %w", err)
	}
	return ingested, nil
}
