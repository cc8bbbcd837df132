// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// Canonical column names for raw financial fields. Vendor feeds may use
// the snake_case aliases instead; the resolver handles the precedence.
const (
	ColEstValue     = "EstValue"
	ColTotalLoanBal = "TotalLoanBal"
	ColLastLoanDate = "LastLoanDate"

	AliasPropertyValue = "property_value"
	AliasLoanBalance   = "loan_balance"
	AliasLoanDate      = "loan_date"
)

// Canonical column names for identity fields and derived output columns.
const (
	ColOwnerName       = "Owner Name"
	ColMailAddress     = "Mail Address"
	ColPropertyAddress = "Property Address"
	ColCity            = "City"
	ColState           = "State"
	ColZIP             = "ZIP"

	ColEquityPct = "Equity %"
	ColLTVPct    = "LTV %"
	ColLoanAgeMo = "Loan_Age_Mo"
	ColAPSScore  = "APS_Score (v2.0)"
	ColAPSTier   = "APS_Tier"
	ColCCI       = "CCI"
)

// RequiredHeaders is the canonical column order for scored CSV output.
var RequiredHeaders = []string{
	ColOwnerName, ColMailAddress, ColPropertyAddress, ColCity, ColState, ColZIP,
	ColEstValue, ColTotalLoanBal, ColLastLoanDate,
	ColEquityPct, ColLTVPct, ColLoanAgeMo, ColAPSScore, ColAPSTier, ColCCI,
}

// Record is one property/loan row. Fields holds every input column
// verbatim (unrecognized columns pass through untouched); the typed
// members are populated by the scoring pipeline.
type Record struct {
	Fields map[string]string `json:"fields"`

	// Resolved raw values
	PropertyValue float64   `json:"propertyValue"`
	LoanBalance   float64   `json:"loanBalance"`
	LoanDate      time.Time `json:"loanDate"` // zero time means no date

	// Derived
	LTVPct        float64 `json:"ltvPct"`
	EquityPct     float64 `json:"equityPct"`
	EquityDollars float64 `json:"equityDollars"`
	LoanAgeMonths int     `json:"loanAgeMonths"`

	// Scored
	APSScore float64 `json:"apsScore"`
	Tier     Tier    `json:"tier"`
	CCI      float64 `json:"cci"`
}

// Field returns the raw value of a column, or "" if absent.
func (r *Record) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// Dataset is an ordered row-set plus the column names the feed carried.
// Columns drives missing-column detection in the health checks and the
// pass-through ordering of the scored CSV.
type Dataset struct {
	Columns []string `json:"columns"`
	Records []Record `json:"records"`
}

// HasColumn reports whether the feed carried the named column.
func (d *Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// AddColumn appends a column name if it is not already present.
func (d *Dataset) AddColumn(name string) {
	if !d.HasColumn(name) {
		d.Columns = append(d.Columns, name)
	}
}

// Tier is the ordinal lead classification.
type Tier string

const (
	TierPlatinum Tier = "Platinum"
	TierGold     Tier = "Gold"
	TierSilver   Tier = "Silver"
	TierNurture  Tier = "Nurture"
)

// ValidTiers lists every tier in rank order, highest first.
var ValidTiers = []Tier{TierPlatinum, TierGold, TierSilver, TierNurture}

// IsValidTier reports whether t is one of the four tiers.
func IsValidTier(t Tier) bool {
	switch t {
	case TierPlatinum, TierGold, TierSilver, TierNurture:
		return true
	}
	return false
}
