package escrow

// TransitionKind enumerates the operations the state machine exposes. Keeping
// the set closed lets both the legality table and the authorization guard
// switch exhaustively.
type TransitionKind string

const (
	TransitionFund    TransitionKind = "fund"
	TransitionRelease TransitionKind = "release"
	TransitionCancel  TransitionKind = "cancel"
	TransitionDispute TransitionKind = "dispute"
)

// next returns the status a transition lands in.
func (k TransitionKind) next() Status {
	switch k {
	case TransitionFund:
		return StatusFunded
	case TransitionRelease:
		return StatusCompleted
	case TransitionCancel:
		return StatusCancelled
	case TransitionDispute:
		return StatusDisputed
	default:
		return ""
	}
}

// legalFrom reports whether the transition may start from the given status.
// Terminal states (completed, cancelled) admit nothing; disputed is parked
// pending external resolution.
func (k TransitionKind) legalFrom(current Status) bool {
	switch k {
	case TransitionFund:
		return current == StatusPending
	case TransitionRelease:
		return current == StatusFunded
	case TransitionCancel:
		return current == StatusPending
	case TransitionDispute:
		return current == StatusFunded
	default:
		return false
	}
}

// canAct is the authorization guard: a pure predicate deciding whether the
// actor may invoke the transition on the escrow. Fund and release are
// buyer-only (the seller cannot self-release); cancel and dispute are open to
// either party.
func canAct(actorID string, rec Record, kind TransitionKind) bool {
	switch kind {
	case TransitionFund, TransitionRelease:
		return actorID == rec.BuyerID
	case TransitionCancel, TransitionDispute:
		return actorID == rec.BuyerID || actorID == rec.SellerID
	default:
		return false
	}
}

// canView gates read access to the two parties of the escrow.
func canView(actorID string, rec Record) bool {
	return actorID == rec.BuyerID || actorID == rec.SellerID
}
