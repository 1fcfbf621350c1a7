package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Store tables.
const (
	TableAgents             = "agents"
	TableMessages           = "messages"
	TableProposals          = "proposals"
	TableWorkflows          = "workflows"
	TableWorkflowExecutions = "workflow_executions"
	TableAnomalies          = "anomalies"
	TableCoordinations      = "coordinations"
)

// Record is a keyed JSON document.
type Record struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Filter matches records whose top-level JSON fields equal the given values.
// An empty filter matches everything.
type Filter map[string]any

// ChangeOp is the kind of write that produced a change event.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	// ChangeAny subscribes to every operation.
	ChangeAny ChangeOp = "*"
)

// ChangeEvent is emitted by a Store after a successful write.
type ChangeEvent struct {
	Table  string   `json:"table"`
	Op     ChangeOp `json:"op"`
	Record Record   `json:"record"`
}

// Store is the durable state and change-feed collaborator.
type Store interface {
	Upsert(ctx context.Context, table string, rec Record) error
	Query(ctx context.Context, table string, filter Filter) ([]Record, error)
	// Subscribe streams change events for table until ctx is done.
	Subscribe(ctx context.Context, table string, op ChangeOp) (<-chan ChangeEvent, error)
	Close() error
}

// NewRecord marshals v into a Record.
func NewRecord(id string, v any, at time.Time) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, WrapOp("NewRecord", err)
	}
	return Record{ID: id, Data: data, UpdatedAt: at}, nil
}

// Decode unmarshals the record data into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}
