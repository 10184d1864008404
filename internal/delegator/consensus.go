package delegator

import (
	"context"
	"fmt"
	"sync"

	"github.com/nugget/aios-core/internal/eventbus"
)

// Protocol names a vote-aggregation rule for a ConsensusRequest.
type Protocol string

const (
	Majority  Protocol = "MAJORITY"
	Unanimous Protocol = "UNANIMOUS"
	Weighted  Protocol = "WEIGHTED"
)

// ConsensusStatus is a ConsensusRequest's position in its lifecycle.
type ConsensusStatus string

const (
	ConsensusOpen    ConsensusStatus = "OPEN"
	ConsensusDecided ConsensusStatus = "DECIDED"
	ConsensusFailed  ConsensusStatus = "FAILED"
)

// Vote is a single voter's ballot on a ConsensusRequest.
type Vote struct {
	Voter      string
	Option     string
	Confidence float64
	Reasoning  string
}

// ConsensusRequest collects votes over a fixed option set and decides
// once enough votes have landed, per its chosen Protocol.
type ConsensusRequest struct {
	mu sync.Mutex

	RequestID string
	Question  string
	Options   []string
	Protocol  Protocol
	MinVoters int
	Votes     []Vote
	Status    ConsensusStatus
	Decision  string
}

// NewConsensusRequest creates an OPEN ConsensusRequest.
func NewConsensusRequest(question string, options []string, protocol Protocol, minVoters int) *ConsensusRequest {
	return &ConsensusRequest{
		RequestID: newID(),
		Question:  question,
		Options:   options,
		Protocol:  protocol,
		MinVoters: minVoters,
		Status:    ConsensusOpen,
	}
}

// CastVote appends vote and, once MinVoters ballots have landed,
// decides the request per its Protocol. Returns an error if the
// request is already decided.
func (c *ConsensusRequest) CastVote(vote Vote) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status != ConsensusOpen {
		return fmt.Errorf("delegator: consensus request %s already %s", c.RequestID, c.Status)
	}

	c.Votes = append(c.Votes, vote)
	if len(c.Votes) >= c.MinVoters {
		c.decideLocked()
	}
	return nil
}

func (c *ConsensusRequest) decideLocked() {
	switch c.Protocol {
	case Unanimous:
		c.decideUnanimousLocked()
	case Weighted:
		c.decideWeightedLocked()
	default:
		c.decideMajorityLocked()
	}
}

func (c *ConsensusRequest) decideMajorityLocked() {
	counts := make(map[string]int)
	for _, v := range c.Votes {
		counts[v.Option]++
	}
	winner, unique := pickMax(counts)
	if !unique {
		c.Status = ConsensusFailed
		return
	}
	c.Status = ConsensusDecided
	c.Decision = winner
}

func (c *ConsensusRequest) decideUnanimousLocked() {
	first := c.Votes[0].Option
	for _, v := range c.Votes[1:] {
		if v.Option != first {
			c.Status = ConsensusFailed
			return
		}
	}
	c.Status = ConsensusDecided
	c.Decision = first
}

func (c *ConsensusRequest) decideWeightedLocked() {
	sums := make(map[string]float64)
	for _, v := range c.Votes {
		sums[v.Option] += v.Confidence
	}
	winner, unique := pickMaxFloat(sums)
	if !unique {
		c.Status = ConsensusFailed
		return
	}
	c.Status = ConsensusDecided
	c.Decision = winner
}

func pickMax(counts map[string]int) (winner string, unique bool) {
	best := -1
	tie := false
	for option, n := range counts {
		switch {
		case n > best:
			best = n
			winner = option
			tie = false
		case n == best:
			tie = true
		}
	}
	return winner, !tie
}

func pickMaxFloat(sums map[string]float64) (winner string, unique bool) {
	best := -1.0
	tie := false
	for option, sum := range sums {
		switch {
		case sum > best:
			best = sum
			winner = option
			tie = false
		case sum == best:
			tie = true
		}
	}
	return winner, !tie
}

// EmitDecision publishes a consensus.decided or consensus.failed event
// once the request leaves OPEN, for callers that want the outcome on
// the bus rather than polling Status directly.
func (c *ConsensusRequest) EmitDecision(ctx context.Context, bus *eventbus.Bus, source string) error {
	c.mu.Lock()
	status, decision := c.Status, c.Decision
	id, question := c.RequestID, c.Question
	c.mu.Unlock()

	eventType := "consensus.failed"
	severity := eventbus.SeverityWarn
	if status == ConsensusDecided {
		eventType = "consensus.decided"
		severity = eventbus.SeverityInfo
	}
	_, err := bus.Emit(ctx, eventbus.Event{
		Type:     eventType,
		Source:   source,
		Severity: severity,
		Layer:    "delegator",
		Payload: map[string]any{
			"request_id": id,
			"question":   question,
			"decision":   decision,
		},
	})
	return err
}
