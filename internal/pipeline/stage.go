package pipeline

// Stage is a state of the run state machine. Working stages are totally
// ordered; done, failed and declined are terminal.
type Stage string

const (
	StageIntent          Stage = "intent"
	StageReviewSearch    Stage = "review_search"
	StageQueryDerivation Stage = "query_derivation"
	StageProductSearch   Stage = "product_search"
	StageEnrichment      Stage = "enrichment"
	StageAnswering       Stage = "answering"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
	StageDeclined        Stage = "declined"
)

var stageOrder = map[Stage]int{
	StageIntent:          0,
	StageReviewSearch:    1,
	StageQueryDerivation: 2,
	StageProductSearch:   3,
	StageEnrichment:      4,
	StageAnswering:       5,
	StageDone:            6,
}

func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed || s == StageDeclined
}

// Outcome is the terminal result of a run.
type Outcome string

const (
	OutcomeAnswered Outcome = "answered"
	OutcomeDeclined Outcome = "declined"
	OutcomeFailed   Outcome = "failed"
)

const (
	ApologyNotUnderstood   = "I'm sorry, I don't understand your message."
	ApologyNoReviews       = "I'm sorry, I couldn't find any product reviews."
	ApologyNoQueries       = "I'm sorry, I couldn't find any product queries."
	ApologyNoSearchResults = "I'm sorry, I couldn't find any product search results."
	ApologyNoResponse      = "I'm sorry, I couldn't generate a response."

	PlaceholderText = "generating…"
)

// failurePolicy maps a stage that reported !ok to the run's terminal outcome
// and the fixed text shown to the user.
func failurePolicy(s Stage) (Outcome, string) {
	switch s {
	case StageIntent:
		return OutcomeDeclined, ApologyNotUnderstood
	case StageReviewSearch:
		return OutcomeFailed, ApologyNoReviews
	case StageQueryDerivation:
		return OutcomeFailed, ApologyNoQueries
	case StageProductSearch:
		return OutcomeFailed, ApologyNoSearchResults
	default:
		return OutcomeFailed, ApologyNoResponse
	}
}

// StageResult is the immutable output of one stage. The orchestrator only
// branches on OK; Err is kept for logs and diagnostics.
type StageResult struct {
	OK      bool
	Payload any
	Err     error
}

func succeed(payload any) StageResult { return StageResult{OK: true, Payload: payload} }

func fail(err error) StageResult { return StageResult{Err: err} }
