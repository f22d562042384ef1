package domain

type Status string

const (
	StatusReceived          Status = "RECEIVED"
	StatusProcessing        Status = "PROCESSING"
	StatusAnalyzed          Status = "ANALYZED"
	StatusPendingValidation Status = "PENDING_VALIDATION"
	StatusValidated         Status = "VALIDATED"
	StatusAccounted         Status = "ACCOUNTED"
	StatusPosted            Status = "POSTED"
	StatusRejected          Status = "REJECTED"
	StatusError             Status = "ERROR"
)

// transitions is the only place where document moves are declared.
var transitions = map[Status][]Status{
	StatusReceived:          {StatusProcessing},
	StatusProcessing:        {StatusAnalyzed, StatusError, StatusRejected},
	StatusAnalyzed:          {StatusPendingValidation, StatusAccounted, StatusError, StatusRejected},
	StatusPendingValidation: {StatusValidated, StatusRejected, StatusError},
	// back to the queue when the entry cannot be generated after validation
	StatusValidated: {StatusPosted, StatusPendingValidation},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusAnalyzed, StatusPendingValidation,
		StatusValidated, StatusAccounted, StatusPosted, StatusRejected, StatusError:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// InFlight reports statuses the pipeline has not finished with yet.
func (s Status) InFlight() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusAnalyzed, StatusValidated:
		return true
	}
	return false
}

// Booked reports statuses in which the document carries a journal entry.
func (s Status) Booked() bool {
	return s == StatusAccounted || s == StatusPosted
}
