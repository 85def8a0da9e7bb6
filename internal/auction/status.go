package auction

// Status is the auction lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusSuspended Status = "suspended"
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusActive, StatusCancelled},
	StatusActive:    {StatusPaused, StatusCompleted, StatusCancelled, StatusSuspended},
	StatusPaused:    {StatusActive, StatusCancelled},
	StatusSuspended: {StatusActive, StatusCancelled},
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusActive, StatusPaused,
		StatusCompleted, StatusCancelled, StatusSuspended:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// BidStatus tracks a bid's standing. Only RetractBid and status
// recomputation (after admission or at settlement) change it.
type BidStatus string

const (
	BidActive    BidStatus = "active"
	BidRetracted BidStatus = "retracted"
	BidOutbid    BidStatus = "outbid"
	BidWinning   BidStatus = "winning"
	BidLosing    BidStatus = "losing"
)

// Live reports whether the bid still counts toward price and winner
// computation.
func (s BidStatus) Live() bool {
	return s != BidRetracted
}
