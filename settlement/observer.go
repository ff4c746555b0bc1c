package settlement

// Observer receives settlement events. metrics.Collector implements it with
// Prometheus; NopObserver discards everything.
type Observer interface {
	ClaimFinished(outcome string, stage Stage, seconds float64)
	StageFailed(stage Stage)
	CommissionLeg(status string)
	Resumed(from Stage)
	PendingEnqueued()
	PendingResolved()
}

// Claim outcomes reported to Observer.ClaimFinished.
const (
	OutcomeSettled    = "settled"
	OutcomePartial    = "partial"
	OutcomeDeclined   = "declined"
	OutcomeIncomplete = "incomplete"
	OutcomeError      = "error"
)

// Commission leg statuses reported to Observer.CommissionLeg.
const (
	LegPaid    = "paid"
	LegSkipped = "already_paid"
	LegFailed  = "failed"
)

type NopObserver struct{}

func (NopObserver) ClaimFinished(string, Stage, float64) {}
func (NopObserver) StageFailed(Stage)                    {}
func (NopObserver) CommissionLeg(string)                 {}
func (NopObserver) Resumed(Stage)                        {}
func (NopObserver) PendingEnqueued()                     {}
func (NopObserver) PendingResolved()                     {}
