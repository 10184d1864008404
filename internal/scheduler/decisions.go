package scheduler

import (
	"context"

	"github.com/nugget/aios-core/internal/eventbus"
)

// WireDecisions subscribes the Scheduler to the event types that should
// autonomously produce new work: a confirmed threshold breach submits a reactor-trigger
// Task, an agent error submits a diagnostic Task, and a completed
// pipeline is merely logged as a decision (no Task submitted). Handlers
// that fail to register a ready handler simply let the submitted Task
// fail with NON_RETRYABLE "no handler registered" — wiring the actual
// handlers is the composition root's job.
func (s *Scheduler) WireDecisions(bus *eventbus.Bus) {
	s.decisionSubs = append(s.decisionSubs,
		bus.Subscribe("resource.threshold_confirmed", s.onThresholdConfirmed),
		bus.Subscribe("agent.error", s.onAgentError),
		bus.Subscribe("pipeline.completed", s.onPipelineCompleted),
	)
}

// UnwireDecisions removes the decision-path subscriptions registered by
// WireDecisions.
func (s *Scheduler) UnwireDecisions(bus *eventbus.Bus) {
	for _, h := range s.decisionSubs {
		bus.Unsubscribe(h)
	}
	s.decisionSubs = nil
}

func (s *Scheduler) onThresholdConfirmed(evt eventbus.Event) error {
	_, err := s.Submit(context.Background(), &Task{
		Name:       "trigger_reactor",
		Priority:   P1,
		HandlerRef: "trigger_reactor",
		Payload:    evt.Payload,
	})
	return err
}

func (s *Scheduler) onAgentError(evt eventbus.Event) error {
	_, err := s.Submit(context.Background(), &Task{
		Name:       "diagnose_agent",
		Priority:   P1,
		HandlerRef: "diagnose_agent",
		Payload:    evt.Payload,
	})
	return err
}

// onPipelineCompleted records the decision to take no action without
// submitting any Task.
func (s *Scheduler) onPipelineCompleted(evt eventbus.Event) error {
	_, err := s.bus.Emit(context.Background(), eventbus.Event{
		Type:     "scheduler.decision",
		Source:   s.eventSrc,
		Severity: eventbus.SeverityInfo,
		Layer:    "scheduler",
		Payload: map[string]any{
			"decision": "no_action",
			"reason":   "pipeline.completed",
			"trace_id": evt.Payload["trace_id"],
		},
	})
	return err
}
