package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names each kind of project event.
type EventType string

const (
	EventCreated       EventType = "created"
	EventTransitioned  EventType = "transitioned"
	EventPlanUpdated   EventType = "plan_updated"
	EventSteered       EventType = "steered"
	EventPhaseAdvanced EventType = "phase_advanced"
	EventTaskResult    EventType = "task_result"
)

// WorkflowEvent is one entry in a project's append-only log. Seq is
// strictly increasing within a project.
type WorkflowEvent struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type createdPayload struct {
	ID   string `json:"id"`
	Goal string `json:"goal"`
}

type transitionedPayload struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type planUpdatedPayload struct {
	Phases             []Phase             `json:"phases"`
	TerminalConditions []TerminalCondition `json:"terminal_conditions,omitempty"`
}

type steeredPayload struct {
	Directive string `json:"directive"`
}

type phaseAdvancedPayload struct {
	PhaseID string `json:"phase_id"`
	Status  PhaseStatus `json:"status"`
}

func marshalPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal payload: %w", err)
	}
	return raw, nil
}

// apply folds one event into the project. Replaying a log through
// apply is the only way project state is built, so apply must stay
// deterministic.
func (p *Project) apply(ev *WorkflowEvent) error {
	if ev.Seq <= p.LastSeq && ev.Type != EventCreated {
		return fmt.Errorf("workflow: event seq %d not greater than %d", ev.Seq, p.LastSeq)
	}

	switch ev.Type {
	case EventCreated:
		var payload createdPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("workflow: decode created: %w", err)
		}
		p.ID = payload.ID
		p.Goal = payload.Goal
		p.Status = StatusPlanning
		p.PlanHash = ComputePlanHash(payload.Goal, nil)
		p.Created = ev.Timestamp

	case EventTransitioned:
		var payload transitionedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("workflow: decode transition: %w", err)
		}
		if p.Status != payload.From || !CanTransition(payload.From, payload.To) {
			return fmt.Errorf("workflow: replay: transition %s -> %s from state %s",
				payload.From, payload.To, p.Status)
		}
		p.Status = payload.To

	case EventPlanUpdated:
		var payload planUpdatedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("workflow: decode plan: %w", err)
		}
		p.Phases = payload.Phases
		if payload.TerminalConditions != nil {
			p.TerminalConditions = payload.TerminalConditions
		}
		p.PlanHash = ComputePlanHash(p.Goal, p.Phases)

	case EventSteered:
		var payload steeredPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("workflow: decode steer: %w", err)
		}
		p.Directives = append(p.Directives, payload.Directive)

	case EventPhaseAdvanced:
		var payload phaseAdvancedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("workflow: decode phase advance: %w", err)
		}
		for i := range p.Phases {
			if p.Phases[i].ID == payload.PhaseID {
				p.Phases[i].Status = payload.Status
			}
		}

	case EventTaskResult:
		var payload TaskResult
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("workflow: decode task result: %w", err)
		}
		p.TaskResults = append(p.TaskResults, payload)

	default:
		return fmt.Errorf("workflow: unknown event type %q", ev.Type)
	}

	p.LastSeq = ev.Seq
	p.Updated = ev.Timestamp
	return nil
}

// Replay rebuilds a project from its full event log.
func Replay(events []WorkflowEvent) (*Project, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("workflow: empty event log")
	}
	if events[0].Type != EventCreated {
		return nil, fmt.Errorf("workflow: log must begin with a created event")
	}
	p := &Project{}
	for i := range events {
		if err := p.apply(&events[i]); err != nil {
			return nil, fmt.Errorf("workflow: replay event %d: %w", events[i].Seq, err)
		}
	}
	return p, nil
}
