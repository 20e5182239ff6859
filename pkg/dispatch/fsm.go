package dispatch

import "errors"

const (
	Received         = "RECEIVED"
	Validated        = "VALIDATED"
	CredentialIssued = "CREDENTIAL_ISSUED"
	RailDispatched   = "RAIL_DISPATCHED"
	Recorded         = "RECORDED"
	Rejected         = "REJECTED"
)

var ErrInvalidTransition = errors.New("invalid dispatch transition")

func CanTransition(from, to string) bool {
	switch from {
	case Received:
		return to == Validated || to == Rejected
	case Validated:
		return to == CredentialIssued
	case CredentialIssued:
		return to == RailDispatched
	case RailDispatched:
		return to == Recorded
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(status string) bool {
	switch status {
	case Recorded, Rejected:
		return true
	default:
		return false
	}
}
