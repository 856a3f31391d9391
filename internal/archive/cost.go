package archive

import "github.com/postkeep/postkeep/internal/model"

// Credit cost components. The cost of a run is a pure function of its
// options, computed before any paid work starts; whether the ledger is
// actually debited depends on the run's outcome.
const (
	costBase         = 1
	costAI           = 2
	costDeepResearch = 4
)

// CostFor returns the credit cost of an archive run with the given options.
func CostFor(opts model.ArchiveOptions) int {
	cost := costBase
	if opts.EnableAI {
		cost += costAI
	}
	if opts.DeepResearch {
		cost += costDeepResearch
	}
	return cost
}
