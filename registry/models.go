package registry

import "time"

const (
	// InitialReputation is granted at registration.
	InitialReputation = 100
	// ReputationAward is added for every resolution the judge performs.
	ReputationAward = 10
)

// Judge mirrors the judges table. The address is the judge's ledger account
// and is bound to the record for the platform's lifetime; there is no
// delete or re-registration path.
type Judge struct {
	Address      string
	Name         string
	Reputation   int
	IsActive     bool
	CasesHandled int
	RegisteredAt time.Time
}
