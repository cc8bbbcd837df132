// Package score implements the derivation formulas, the composite APS
// score, the tier classification and the credit confidence index. All
// functions are pure; evaluation time is passed in so results are
// reproducible.
package score

import (
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }

// LTV is the loan balance as a percentage of property value, rounded
// to 2 decimals and clamped to [0,100]. A zero or negative property
// value yields 0 rather than an undefined division; degenerate inputs
// degrade, they never fault.
func LTV(balance, value float64) float64 {
	if value <= 0 {
		return 0
	}
	ltv := round2(balance / value * 100)
	if ltv < 0 {
		return 0
	}
	if ltv > 100 {
		return 100
	}
	return ltv
}

// LoanAgeMonths is the whole calendar months between the loan date and
// the evaluation time. Day-of-month is ignored and the result is
// floored at zero. A zero loan date yields 0.
func LoanAgeMonths(loanDate, now time.Time) int {
	if loanDate.IsZero() {
		return 0
	}
	months := (now.Year()-loanDate.Year())*12 + int(now.Month()) - int(loanDate.Month())
	if months < 0 {
		return 0
	}
	return months
}

// AgeScore is the piecewise loan-age sub-score. The 18-36 month
// plateau is the refinance sweet spot; outside it the score ramps up
// from 0 or decays toward a floor of 40.
func AgeScore(months int) float64 {
	m := float64(months)
	switch {
	case m < 18:
		return m / 18 * 50
	case m <= 36:
		return 100
	case m <= 60:
		return 100 - (m-36)/24*30
	default:
		return math.Max(40, 70-(m-60)/60*30)
	}
}

// Derive populates the derived fields of a record from its resolved
// raw values.
func Derive(r *domain.Record, now time.Time) {
	r.LTVPct = LTV(r.LoanBalance, r.PropertyValue)
	r.EquityPct = round2(100 - r.LTVPct)
	r.EquityDollars = math.Round(r.PropertyValue * r.EquityPct / 100)
	r.LoanAgeMonths = LoanAgeMonths(r.LoanDate, now)
}

// APS computes the composite score: equity weighted 40%, loan age 30%,
// LTV 30%, rounded to one decimal.
func APS(r *domain.Record) float64 {
	return round1(0.40*r.EquityPct + 0.30*AgeScore(r.LoanAgeMonths) + 0.30*(100-r.LTVPct))
}

// tierRule is one row of the ordered classification table. All three
// conditions must hold; the first matching row wins.
type tierRule struct {
	minScore  float64
	maxLTV    float64
	minEquity float64
	tier      domain.Tier
}

var tierRules = []tierRule{
	{80, 30, 500000, domain.TierPlatinum},
	{65, 50, 300000, domain.TierGold},
	{50, 65, 200000, domain.TierSilver},
}

// ClassifyTier maps score, LTV and equity dollars onto one of the four
// tiers. Classification is total: anything the table rejects is
// Nurture.
func ClassifyTier(score, ltvPct, equityDollars float64) domain.Tier {
	for _, rule := range tierRules {
		if score >= rule.minScore && ltvPct <= rule.maxLTV && equityDollars >= rule.minEquity {
			return rule.tier
		}
	}
	return domain.TierNurture
}

// CCI computes the credit confidence index: equity up to 40 points,
// LTV health up to 35, loan-age maturity up to 25, rounded to one
// decimal. Deliberately weighted independently of the APS score.
func CCI(r *domain.Record) float64 {
	equityComponent := math.Min(40, r.EquityPct/100*40)
	ltvComponent := math.Max(0, 35-r.LTVPct/100*35)

	m := float64(r.LoanAgeMonths)
	var ageComponent float64
	if m >= 18 {
		ageComponent = math.Min(25, 25*m/60)
	} else {
		ageComponent = m / 18 * 15
	}

	return round1(equityComponent + ltvComponent + ageComponent)
}

// Score fills the scored fields of an already-derived record.
func Score(r *domain.Record) {
	r.APSScore = APS(r)
	r.Tier = ClassifyTier(r.APSScore, r.LTVPct, r.EquityDollars)
	r.CCI = CCI(r)
}
