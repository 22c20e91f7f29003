package core

import (
	"encoding/json"
	"time"

	"ethos/internal/ids"
)

// CorrelationStatus tracks whether an external effect was carried out.
type CorrelationStatus string

const (
	CorrelationPending   CorrelationStatus = "pending"
	CorrelationCompleted CorrelationStatus = "completed"
	CorrelationFailed    CorrelationStatus = "failed"
)

// Valid reports whether s is a known correlation status.
func (s CorrelationStatus) Valid() bool {
	switch s {
	case CorrelationPending, CorrelationCompleted, CorrelationFailed:
		return true
	default:
		return false
	}
}

// Correlation is the durable record that a handler's external effect was (or
// was not) carried out. The task-complete handler reads them to enforce the
// wakeup rule: a wakeup step needs a completed "speak" correlation before it
// may complete.
type Correlation struct {
	ID           string            `json:"id"`
	TaskID       string            `json:"task_id"`
	ThoughtID    string            `json:"thought_id,omitempty"`
	ServiceType  string            `json:"service_type"`
	HandlerName  string            `json:"handler_name"`
	ActionType   string            `json:"action_type"`
	RequestData  json.RawMessage   `json:"request_data,omitempty"`
	ResponseData json.RawMessage   `json:"response_data,omitempty"`
	Status       CorrelationStatus `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewCorrelation builds a pending correlation for one handler side effect.
func NewCorrelation(taskID, thoughtID, serviceType, handlerName, actionType string, request any) *Correlation {
	now := time.Now().UTC()
	corr := &Correlation{
		ID:          ids.NewCorrelationID(),
		TaskID:      taskID,
		ThoughtID:   thoughtID,
		ServiceType: serviceType,
		HandlerName: handlerName,
		ActionType:  actionType,
		Status:      CorrelationPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if request != nil {
		if raw, err := json.Marshal(request); err == nil {
			corr.RequestData = raw
		}
	}
	return corr
}
