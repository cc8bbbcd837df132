// Package resolve maps heterogeneous vendor column names onto the
// canonical financial fields and coerces their string values into
// numbers and dates. Resolution never fails: an absent column, an
// empty cell, or an unparseable value degrades to the zero default.
package resolve

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Column precedence per canonical field: the canonical vendor name
// first, then the normalized alias. First present column wins even
// when its cell is empty.
var (
	PropertyValueColumns = []string{domain.ColEstValue, domain.AliasPropertyValue}
	LoanBalanceColumns   = []string{domain.ColTotalLoanBal, domain.AliasLoanBalance}
	LoanDateColumns      = []string{domain.ColLastLoanDate, domain.AliasLoanDate}
)

// dateLayouts are tried in order before falling back to the lenient
// layouts below.
var dateLayouts = []string{
	"01/02/2006",
	"2006-01-02",
	"01-02-2006",
	"02/01/2006",
	"2006/01/02",
}

// fallbackLayouts approximate a lenient last-resort parse for feeds
// that carry verbose or timestamped dates.
var fallbackLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"01/02/06",
}

// Money parses a currency string, stripping "$", thousands separators
// and surrounding whitespace. ok is false for empty or non-numeric
// input; callers treat that as 0. ParseFloat accepts "NaN" and "Inf"
// literals, which would wreck every downstream formula and break JSON
// marshaling of the report, so those are rejected here too.
func Money(s string) (float64, bool) {
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Date parses a date string against each supported layout in order.
// ok is false when nothing matches; callers treat that as "no date".
func Date(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range fallbackLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// PickColumn returns the first of names that the record set carried.
func PickColumn(ds *domain.Dataset, names []string) (string, bool) {
	for _, n := range names {
		if ds.HasColumn(n) {
			return n, true
		}
	}
	return "", false
}

// PropertyValue resolves the property value for one record.
func PropertyValue(r *domain.Record) float64 {
	return moneyField(r, PropertyValueColumns)
}

// LoanBalance resolves the loan balance for one record.
func LoanBalance(r *domain.Record) float64 {
	return moneyField(r, LoanBalanceColumns)
}

// LoanDate resolves the loan date for one record. The zero time means
// no usable date.
func LoanDate(r *domain.Record) time.Time {
	raw, ok := rawField(r, LoanDateColumns)
	if !ok {
		return time.Time{}
	}
	t, ok := Date(raw)
	if !ok {
		return time.Time{}
	}
	return t
}

// Apply resolves the three financial fields of every record in place.
func Apply(ds *domain.Dataset) {
	for i := range ds.Records {
		r := &ds.Records[i]
		r.PropertyValue = PropertyValue(r)
		r.LoanBalance = LoanBalance(r)
		r.LoanDate = LoanDate(r)
	}
}

func rawField(r *domain.Record, names []string) (string, bool) {
	for _, n := range names {
		if v, ok := r.Fields[n]; ok {
			return v, true
		}
	}
	return "", false
}

func moneyField(r *domain.Record, names []string) float64 {
	raw, ok := rawField(r, names)
	if !ok {
		return 0
	}
	v, ok := Money(raw)
	if !ok {
		return 0
	}
	return v
}
