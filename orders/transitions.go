package orders

import (
	"fmt"

	"courierchain/contracts/logistics"
)

// Role is the party an event must be triggered by.
type Role string

const (
	RoleCustomer Role = "customer"
	// RoleCandidate is any actor other than the customer claiming an open order.
	RoleCandidate  Role = "candidate"
	RoleAgent      Role = "agent"
	RoleStoreOwner Role = "store_owner"
)

type rule struct {
	from     Status
	to       Status
	role     Role
	onChain  logistics.Status
	onLedger bool
}

var transitions = map[Event]rule{
	EventSelect:  {from: StatusPending, to: StatusAssigned, role: RoleCandidate, onChain: logistics.StatusInitiated},
	EventAccept:  {from: StatusAssigned, to: StatusInDelivery, role: RoleAgent, onChain: logistics.StatusAgentAssigned, onLedger: true},
	EventPickup:  {from: StatusInDelivery, to: StatusInTransit, role: RoleStoreOwner, onChain: logistics.StatusPickedUp, onLedger: true},
	EventDeliver: {from: StatusInTransit, to: StatusDelivered, role: RoleAgent, onChain: logistics.StatusDelivered, onLedger: true},
	EventCancel:  {from: StatusPending, to: StatusCancelled, role: RoleCustomer, onChain: logistics.StatusInitiated},
}

// statusRank orders statuses along the forward path. CANCELLED sits off the path.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusAssigned:   1,
	StatusInDelivery: 2,
	StatusInTransit:  3,
	StatusDelivered:  4,
	StatusCancelled:  -1,
}

// expectedOnChain lists the contract statuses consistent with each order status.
var expectedOnChain = map[Status][]logistics.Status{
	StatusPending:    {logistics.StatusInitiated},
	StatusAssigned:   {logistics.StatusInitiated},
	StatusInDelivery: {logistics.StatusAgentAssigned},
	StatusInTransit:  {logistics.StatusPickedUp},
	StatusDelivered:  {logistics.StatusDelivered},
	StatusCancelled:  {logistics.StatusFailed, logistics.StatusInitiated},
}

func lookup(event Event) (rule, bool) {
	r, ok := transitions[event]
	return r, ok
}

// Next returns the status event leads to from current, or an error naming why it cannot.
func Next(current Status, event Event) (Status, error) {
	r, ok := lookup(event)
	if !ok {
		return "", fmt.Errorf("unknown event %q", event)
	}
	if current != r.from {
		return "", fmt.Errorf("cannot %s an order in %s", event, current)
	}
	return r.to, nil
}

// RequiredRole returns the role event must be triggered by.
func RequiredRole(event Event) (Role, bool) {
	r, ok := lookup(event)
	return r.role, ok
}

// ExpectedContractStatus lists the on-chain statuses an order in status may observe.
func ExpectedContractStatus(status Status) []logistics.Status {
	return append([]logistics.Status(nil), expectedOnChain[status]...)
}

// ProjectStatus recomputes the order status implied by the contract status and
// whether a delivery agent has been bound off-chain.
func ProjectStatus(contract logistics.Status, agentBound bool) Status {
	switch contract {
	case logistics.StatusInitiated:
		if agentBound {
			return StatusAssigned
		}
		return StatusPending
	case logistics.StatusAgentAssigned:
		return StatusInDelivery
	case logistics.StatusPickedUp:
		return StatusInTransit
	case logistics.StatusDelivered:
		return StatusDelivered
	default:
		return StatusCancelled
	}
}

// Precedes reports whether a comes strictly before b on the forward path.
func Precedes(a, b Status) bool {
	ra, okA := statusRank[a]
	rb, okB := statusRank[b]
	if !okA || !okB || ra < 0 || rb < 0 {
		return false
	}
	return ra < rb
}

func expects(status Status, observed logistics.Status) bool {
	for _, s := range expectedOnChain[status] {
		if s == observed {
			return true
		}
	}
	return false
}
