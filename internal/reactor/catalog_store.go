package reactor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nugget/aios-core/internal/actionqueue"
	"github.com/nugget/aios-core/internal/eventbus"
)

// playbookRecord is the JSON-on-disk shape of a Playbook (snake_case
// field names, optional trigger fields omitted when unset).
type playbookRecord struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Enabled        bool                `json:"enabled"`
	Trigger        triggerRecord       `json:"trigger"`
	Actions        []actionSpecRecord  `json:"actions"`
	CooldownSec    int                 `json:"cooldown_sec"`
	RequireConfirm bool                `json:"require_confirm"`
	Risk           actionqueue.Risk    `json:"risk"`
	Verify         verifyRecord        `json:"verify"`
}

type triggerRecord struct {
	EventPattern    string             `json:"event_pattern"`
	SeverityList    []eventbus.Severity `json:"severity_list,omitempty"`
	RuleID          string             `json:"rule_id,omitempty"`
	MessageContains []string           `json:"message_contains,omitempty"`
	MinHitCount     int                `json:"min_hit_count,omitempty"`
}

type actionSpecRecord struct {
	Type   string           `json:"type"`
	Target string           `json:"target"`
	Params map[string]any   `json:"params,omitempty"`
	Risk   actionqueue.Risk `json:"risk,omitempty"`
}

type verifyRecord struct {
	Command    string `json:"command,omitempty"`
	PlaybookID string `json:"playbook_id,omitempty"`
}

func toRecord(pb *Playbook) playbookRecord {
	actions := make([]actionSpecRecord, len(pb.Actions))
	for i, a := range pb.Actions {
		actions[i] = actionSpecRecord{Type: a.Type, Target: a.Target, Params: a.Params, Risk: a.Risk}
	}
	return playbookRecord{
		ID:      pb.ID,
		Name:    pb.Name,
		Enabled: pb.Enabled,
		Trigger: triggerRecord{
			EventPattern:    pb.Trigger.EventPattern,
			SeverityList:    pb.Trigger.SeverityList,
			RuleID:          pb.Trigger.RuleID,
			MessageContains: pb.Trigger.MessageContains,
			MinHitCount:     pb.Trigger.MinHitCount,
		},
		Actions:        actions,
		CooldownSec:    pb.CooldownSec,
		RequireConfirm: pb.RequireConfirm,
		Risk:           pb.Risk,
		Verify:         verifyRecord{Command: pb.Verify.Command, PlaybookID: pb.Verify.PlaybookID},
	}
}

func fromRecord(r playbookRecord) *Playbook {
	actions := make([]ActionSpec, len(r.Actions))
	for i, a := range r.Actions {
		actions[i] = ActionSpec{Type: a.Type, Target: a.Target, Params: a.Params, Risk: a.Risk}
	}
	return &Playbook{
		ID:      r.ID,
		Name:    r.Name,
		Enabled: r.Enabled,
		Trigger: Trigger{
			EventPattern:    r.Trigger.EventPattern,
			SeverityList:    r.Trigger.SeverityList,
			RuleID:          r.Trigger.RuleID,
			MessageContains: r.Trigger.MessageContains,
			MinHitCount:     r.Trigger.MinHitCount,
		},
		Actions:        actions,
		CooldownSec:    r.CooldownSec,
		RequireConfirm: r.RequireConfirm,
		Risk:           r.Risk,
		Verify:         VerifyConfig{Command: r.Verify.Command, PlaybookID: r.Verify.PlaybookID},
	}
}

// LoadCatalogFile reads a playbooks.json file from path. A missing file
// is not an error; it yields an empty catalog, which is the first-run
// state of the persisted-state directory.
func LoadCatalogFile(path string) ([]*Playbook, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reactor: read catalog: %w", err)
	}
	var records []playbookRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("reactor: parse catalog: %w", err)
	}
	out := make([]*Playbook, len(records))
	for i, r := range records {
		out[i] = fromRecord(r)
	}
	return out, nil
}

// SaveCatalogFile atomically rewrites path with playbooks: write to a
// temp file in the same directory, then rename.
func SaveCatalogFile(path string, playbooks []*Playbook) error {
	records := make([]playbookRecord, len(playbooks))
	for i, pb := range playbooks {
		records[i] = toRecord(pb)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("reactor: marshal catalog: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".playbooks-*.json.tmp")
	if err != nil {
		return fmt.Errorf("reactor: create temp catalog: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("reactor: write temp catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("reactor: close temp catalog: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("reactor: rename temp catalog: %w", err)
	}
	return nil
}
