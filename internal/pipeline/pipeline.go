// Package pipeline wires the resolver, derivation, scoring and health
// check stages into the batch entry points the transports call.
package pipeline

import (
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/healthcheck"
	"github.com/opensource-finance/kestrel/internal/resolve"
	"github.com/opensource-finance/kestrel/internal/score"
)

// derivedColumns are appended to every scored dataset in canonical
// order.
var derivedColumns = []string{
	domain.ColEquityPct,
	domain.ColLTVPct,
	domain.ColLoanAgeMo,
	domain.ColAPSScore,
	domain.ColAPSTier,
	domain.ColCCI,
}

// NormalizeAndScore resolves, derives and scores every record in
// place, appending the canonical derived columns. Record count is
// preserved and no input column is touched, so re-running over the
// output re-resolves the same raw sources and yields identical values.
func NormalizeAndScore(ds *domain.Dataset, now time.Time) {
	resolve.Apply(ds)

	for i := range ds.Records {
		r := &ds.Records[i]
		score.Derive(r, now)
		score.Score(r)

		if r.Fields == nil {
			r.Fields = make(map[string]string, len(derivedColumns))
		}
		r.Fields[domain.ColEquityPct] = strconv.FormatFloat(r.EquityPct, 'f', 2, 64)
		r.Fields[domain.ColLTVPct] = strconv.FormatFloat(r.LTVPct, 'f', 2, 64)
		r.Fields[domain.ColLoanAgeMo] = strconv.Itoa(r.LoanAgeMonths)
		r.Fields[domain.ColAPSScore] = strconv.FormatFloat(r.APSScore, 'f', 1, 64)
		r.Fields[domain.ColAPSTier] = string(r.Tier)
		r.Fields[domain.ColCCI] = strconv.FormatFloat(r.CCI, 'f', 1, 64)
	}

	for _, col := range derivedColumns {
		ds.AddColumn(col)
	}
}

// HealthCheck runs the 18-point battery over a scored dataset.
func HealthCheck(ds *domain.Dataset) *domain.HealthReport {
	return healthcheck.Run(ds)
}

// TierCounts tallies the tier distribution of a scored dataset.
func TierCounts(ds *domain.Dataset) map[domain.Tier]int {
	counts := make(map[domain.Tier]int)
	for i := range ds.Records {
		counts[ds.Records[i].Tier]++
	}
	return counts
}
