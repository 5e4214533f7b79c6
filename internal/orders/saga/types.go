package saga

import (
	"time"
)

// Step names a saga step.
type Step string

const (
	StepInit           Step = "INIT"
	StepValidateStock  Step = "VALIDATE_STOCK"
	StepCreateOrder    Step = "CREATE_ORDER"
	StepReserveStock   Step = "RESERVE_STOCK"
	StepProcessPayment Step = "PROCESS_PAYMENT"
	StepConfirmOrder   Step = "CONFIRM_ORDER"
	StepComplete       Step = "COMPLETE"
)

// CompensationStatus tracks the progress of compensating actions.
type CompensationStatus string

const (
	CompensationNone       CompensationStatus = "NONE"
	CompensationInProgress CompensationStatus = "IN_PROGRESS"
	CompensationCompleted  CompensationStatus = "COMPLETED"
	// CompensationFailed is terminal and needs manual intervention.
	CompensationFailed     CompensationStatus = "FAILED"
)

// StepStatus is recorded per step in the detail map.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// CompletedStep is one entry of the ordered completion log.
type CompletedStep struct {
	Step        Step           `json:"step"`
	CompletedAt time.Time      `json:"completedAt"`
	Details     map[string]any `json:"details,omitempty"`
}

// StepDetail is the latest known state of a step.
type StepDetail struct {
	Status  StepStatus     `json:"status"`
	At      time.Time      `json:"at"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// State is the durable progress record of one order's saga.
type State struct {
	ID                   string              `json:"id"`
	OrderID              string              `json:"orderId"`
	CurrentStep          Step                `json:"currentStep"`
	CompletedSteps       []CompletedStep     `json:"completedSteps"`
	FailedStep           Step                `json:"failedStep,omitempty"`
	FailureReason        string              `json:"failureReason,omitempty"`
	CompensationRequired bool                `json:"compensationRequired"`
	CompensationStatus   CompensationStatus  `json:"compensationStatus"`
	StepDetails          map[Step]StepDetail `json:"stepDetails"`
	CreatedAt            time.Time           `json:"createdAt"`
	UpdatedAt            time.Time           `json:"updatedAt"`
}

// New returns a saga state positioned at INIT.
func New(id, orderID string, now time.Time) *State {
	return &State{
		ID:                 id,
		OrderID:            orderID,
		CurrentStep:        StepInit,
		CompensationStatus: CompensationNone,
		StepDetails:        make(map[Step]StepDetail),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// HasCompleted reports whether step appears in the completion log.
func (s *State) HasCompleted(step Step) bool {
	for _, c := range s.CompletedSteps {
		if c.Step == step {
			return true
		}
	}
	return false
}

// CompleteStep marks step completed. Completing a step twice refreshes its
// details but does not append a second log entry, so out-of-order
// confirmations are harmless. It reports whether the log changed.
func (s *State) CompleteStep(step Step, details map[string]any, now time.Time) bool {
	if s.StepDetails == nil {
		s.StepDetails = make(map[Step]StepDetail)
	}
	s.StepDetails[step] = StepDetail{Status: StepStatusCompleted, At: now, Details: details}
	s.UpdatedAt = now
	if s.HasCompleted(step) {
		return false
	}
	s.CompletedSteps = append(s.CompletedSteps, CompletedStep{Step: step, CompletedAt: now, Details: details})
	s.CurrentStep = step
	return true
}

// FailStep records the failing step and flags compensation as required.
func (s *State) FailStep(step Step, reason string, now time.Time) {
	if s.StepDetails == nil {
		s.StepDetails = make(map[Step]StepDetail)
	}
	s.FailedStep = step
	s.FailureReason = reason
	s.CompensationRequired = true
	s.StepDetails[step] = StepDetail{Status: StepStatusFailed, At: now, Reason: reason}
	s.UpdatedAt = now
}

// StartCompensation moves compensation to IN_PROGRESS. It is a no-op unless
// compensation is required and has not started.
func (s *State) StartCompensation(now time.Time) bool {
	if !s.CompensationRequired || s.CompensationStatus != CompensationNone {
		return false
	}
	s.CompensationStatus = CompensationInProgress
	s.UpdatedAt = now
	return true
}

// CompleteCompensation moves IN_PROGRESS to COMPLETED.
func (s *State) CompleteCompensation(now time.Time) bool {
	if s.CompensationStatus != CompensationInProgress {
		return false
	}
	s.CompensationStatus = CompensationCompleted
	s.UpdatedAt = now
	return true
}

// FailCompensation marks compensation FAILED. FAILED is never left
// automatically.
func (s *State) FailCompensation(reason string, now time.Time) {
	s.CompensationStatus = CompensationFailed
	if reason != "" {
		s.FailureReason = reason
	}
	s.UpdatedAt = now
}

// Clone returns a deep copy suitable for handing across goroutines.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.CompletedSteps = append([]CompletedStep(nil), s.CompletedSteps...)
	out.StepDetails = make(map[Step]StepDetail, len(s.StepDetails))
	for k, v := range s.StepDetails {
		out.StepDetails[k] = v
	}
	return &out
}
