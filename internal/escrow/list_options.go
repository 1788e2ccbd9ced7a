package escrow

import "time"

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ListOptions controls filtering when listing escrows.
//
// Results are ordered by CreatedAt descending, then ID ascending. After
// resumes a scan strictly past the given position in that order.
type ListOptions struct {
	Limit       int
	States      []State
	Party       string
	PendingOnly bool
	StuckOnly   bool
	After       *Cursor
}

// Cursor is a position in the listing order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position of e in the listing order.
func CursorOf(e *Escrow) Cursor {
	return Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// Follows reports whether e sorts strictly after c.
func (c Cursor) Follows(e *Escrow) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID > c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit sets the maximum number of escrows to return.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithStates filters escrows by state.
func WithStates(states ...State) ListOption {
	return func(opts *ListOptions) {
		for _, s := range states {
			if IsValidState(s) {
				opts.States = append(opts.States, s)
			}
		}
	}
}

// WithParty restricts results to escrows where the agent is requester or worker.
func WithParty(agentID string) ListOption {
	return func(opts *ListOptions) {
		opts.Party = agentID
	}
}

// WithPendingSettlement returns only escrows carrying a retry-pending marker.
func WithPendingSettlement() ListOption {
	return func(opts *ListOptions) {
		opts.PendingOnly = true
	}
}

// WithStuck returns only escrows whose settlement retries were exhausted.
func WithStuck() ListOption {
	return func(opts *ListOptions) {
		opts.StuckOnly = true
	}
}

// WithAfter continues a listing after the cursor.
func WithAfter(c Cursor) ListOption {
	return func(opts *ListOptions) {
		opts.After = &c
	}
}

// BuildListOptions folds options into a normalised ListOptions value.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
}

// Matches reports whether the escrow satisfies the filters.
func (o ListOptions) Matches(e *Escrow) bool {
	if len(o.States) > 0 {
		found := false
		for _, s := range o.States {
			if e.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if o.Party != "" && e.Requester != o.Party && e.Worker != o.Party {
		return false
	}
	if o.PendingOnly && e.Pending == nil {
		return false
	}
	if o.StuckOnly && !e.Stuck {
		return false
	}
	if o.After != nil && !o.After.Follows(e) {
		return false
	}
	return true
}
