// Package operation runs statements as tracked operations.
//
// Every operation moves through the states in state.go, and Validate is
// consulted before each change. The Manager is the only component that
// executes statements against an engine context or mutates operation state.
package operation

import (
	"context"
	"sync"
	"time"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/engine"
	"github.com/txn2/query-gateway/pkg/handle"
)

// Owner describes the session an operation belongs to.
type Owner struct {
	Session   handle.SessionHandle
	User      string
	Identity  string
	IPAddress string

	// LogDir receives the operation log file. Empty keeps logs in memory
	// only.
	LogDir string
}

// Operation is one submitted statement.
type Operation struct {
	handle    handle.OperationHandle
	owner     Owner
	statement string
	conf      map[string]string
	engineCtx engine.Context
	createdAt time.Time

	mu          sync.Mutex
	state       State
	failure     *apierr.Error
	result      *engine.Result
	rows        window
	lastAccess  time.Time
	startedAt   time.Time
	completedAt time.Time
	cancel      context.CancelFunc
	log         *opLog
}

// Handle returns the operation handle.
func (o *Operation) Handle() handle.OperationHandle { return o.handle }

// Session returns the owning session's handle.
func (o *Operation) Session() handle.SessionHandle { return o.owner.Session }

// Statement returns the statement text.
func (o *Operation) Statement() string { return o.statement }

// State returns the current state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastAccess returns when the operation was last touched.
func (o *Operation) LastAccess() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastAccess
}

// transition validates and applies a state change. Callers hold o.mu.
func (o *Operation) transition(to State, now time.Time) error {
	if err := Validate(o.state, to); err != nil {
		return err
	}
	o.log.appendf(now, "state %s -> %s", o.state, to)
	o.state = to
	o.lastAccess = now
	return nil
}

// releaseResult drops the result cursor. Callers hold o.mu.
func (o *Operation) releaseResult() {
	o.result = nil
	o.rows = window{}
}

// Status is a snapshot of an operation.
type Status struct {
	Handle       handle.OperationHandle `json:"-"`
	State        State                  `json:"-"`
	Failure      *apierr.Error          `json:"-"`
	HasResultSet bool                   `json:"has_result_set"`
	RowCount     int                    `json:"row_count"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  time.Time              `json:"completed_at"`
}

func (o *Operation) status() Status {
	return Status{
		Handle:       o.handle,
		State:        o.state,
		Failure:      o.failure,
		HasResultSet: o.handle.HasResultSet,
		RowCount:     o.result.RowCount(),
		StartedAt:    o.startedAt,
		CompletedAt:  o.completedAt,
	}
}

// Orientation selects which rows a fetch returns.
type Orientation int

// Fetch orientations.
const (
	// FetchNext continues after the previous fetch.
	FetchNext Orientation = iota
	// FetchPrior returns the window before the previous fetch.
	FetchPrior
	// FetchFirst rewinds to the first row.
	FetchFirst
)

// String returns the orientation name.
func (o Orientation) String() string {
	switch o {
	case FetchNext:
		return "FETCH_NEXT"
	case FetchPrior:
		return "FETCH_PRIOR"
	case FetchFirst:
		return "FETCH_FIRST"
	default:
		return "UNKNOWN"
	}
}

// FetchKind selects what a fetch reads.
type FetchKind int

// Fetch kinds.
const (
	// QueryOutput reads result rows. Only finished operations have them.
	QueryOutput FetchKind = iota
	// Log reads the operation log. Any open operation has one.
	Log
)

// String returns the kind name.
func (k FetchKind) String() string {
	switch k {
	case QueryOutput:
		return "QUERY_OUTPUT"
	case Log:
		return "LOG"
	default:
		return "UNKNOWN"
	}
}

// RowSet is one fetched batch.
type RowSet struct {
	// StartOffset is the index of the first returned row.
	StartOffset int             `json:"start_offset"`
	Columns     []engine.Column `json:"columns,omitempty"`
	Rows        [][]any         `json:"rows"`
	HasMore     bool            `json:"has_more"`
}

// window tracks a fetch position. start is where the last batch began and
// next is where the following FetchNext begins.
type window struct {
	start int
	next  int
}

// advance moves the window and returns the half-open row range to return.
func (w *window) advance(o Orientation, maxRows, total int) (int, int, error) {
	var start int
	switch o {
	case FetchNext:
		start = w.next
	case FetchPrior:
		start = max(w.start-maxRows, 0)
	case FetchFirst:
		start = 0
	default:
		return 0, 0, apierr.Protocolf("unsupported fetch orientation %d", int(o))
	}
	start = min(start, total)
	end := min(start+maxRows, total)
	w.start, w.next = start, end
	return start, end, nil
}
