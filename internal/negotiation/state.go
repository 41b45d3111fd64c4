package negotiation

// State is the position of a Session in the offer/answer state machine.
type State int32

const (
	StateIdle State = iota
	StateCreatingOffer
	StateAwaitingOffer
	StateOfferSent
	StateCreatingAnswer
	StateAnswerSent
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateCreatingOffer:  "creating_offer",
	StateAwaitingOffer:  "awaiting_offer",
	StateOfferSent:      "offer_sent",
	StateCreatingAnswer: "creating_answer",
	StateAnswerSent:     "answer_sent",
	StateConnecting:     "connecting",
	StateConnected:      "connected",
	StateFailed:         "failed",
	StateClosed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}
