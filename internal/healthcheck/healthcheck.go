// Package healthcheck runs the fixed 18-point data-quality battery
// over a scored row-set. The checks are independent pure functions
// executed in numeric order, each emitting a status, a formatted value
// and a message carrying the literal counts it computed; check 18
// rolls the first 17 into one overall quality band. A missing required
// column degrades the affected check to FAIL, never a crash.
package healthcheck

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/resolve"
)

var (
	zipPattern   = regexp.MustCompile(`^\d{5}$`)
	statePattern = regexp.MustCompile(`^[A-Z]{2}$`)
)

// freshnessCutoff is the date-freshness boundary for check 17.
var freshnessCutoff = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// criticalColumns are the five fields check 10 audits for missing
// values. The denominator always spans all five, present or not.
var criticalColumns = []string{
	domain.ColPropertyAddress,
	domain.ColZIP,
	domain.ColEstValue,
	domain.ColTotalLoanBal,
	domain.ColLastLoanDate,
}

// battery lists the 17 field checks in their fixed execution order.
// The overall roll-up is appended by Run.
var battery = []struct {
	name string
	fn   func(*domain.Dataset) domain.CheckResult
}{
	{"1_Record_Count", recordCount},
	{"2_Address_Completeness", addressCompleteness},
	{"3_ZIP_Validity", zipValidity},
	{"4_Property_Value_Range", propertyValueRange},
	{"5_LTV_Range", ltvRange},
	{"6_Equity_Accuracy", equityAccuracy},
	{"7_Loan_Date_Format", loanDateFormat},
	{"8_Loan_Age_Reasonable", loanAgeReasonable},
	{"9_Duplicate_Detection", duplicateDetection},
	{"10_Missing_Values", missingValues},
	{"11_APS_Score_Distribution", apsScoreDistribution},
	{"12_Tier_Assignment", tierAssignment},
	{"13_CCI_Validity", cciValidity},
	{"14_State_Code_Format", stateCodeFormat},
	{"15_Refi_Eligibility", refiEligibility},
	{"16_Owner_Name_Present", ownerNamePresent},
	{"17_Data_Freshness", dataFreshness},
}

// Run executes the full battery and returns the 18-entry report.
func Run(ds *domain.Dataset) *domain.HealthReport {
	report := &domain.HealthReport{}

	for _, check := range battery {
		result := check.fn(ds)
		result.Name = check.name
		report.Checks = append(report.Checks, result)

		switch result.Status {
		case domain.CheckPass:
			report.PassCount++
		case domain.CheckWarn:
			report.WarnCount++
		case domain.CheckFail:
			report.FailCount++
		}
	}

	report.QualityScore = float64(report.PassCount) / 17 * 100
	switch {
	case report.QualityScore >= 85:
		report.OverallStatus = domain.QualityExcellent
	case report.QualityScore >= 70:
		report.OverallStatus = domain.QualityGood
	case report.QualityScore >= 50:
		report.OverallStatus = domain.QualityFair
	default:
		report.OverallStatus = domain.QualityPoor
	}

	report.Checks = append(report.Checks, domain.CheckResult{
		Name:    "18_Overall_Quality",
		Status:  report.OverallStatus,
		Value:   fmt.Sprintf("%.1f%%", report.QualityScore),
		Message: fmt.Sprintf("Pass:%d Warn:%d Fail:%d", report.PassCount, report.WarnCount, report.FailCount),
	})

	return report
}

func recordCount(ds *domain.Dataset) domain.CheckResult {
	total := len(ds.Records)
	status := domain.CheckPass
	if total == 0 {
		status = domain.CheckFail
	}
	return domain.CheckResult{
		Status:  status,
		Value:   strconv.Itoa(total),
		Message: fmt.Sprintf("%d records found", total),
	}
}

func addressCompleteness(ds *domain.Dataset) domain.CheckResult {
	if !ds.HasColumn(domain.ColPropertyAddress) {
		return domain.CheckResult{Status: domain.CheckFail, Value: "0%", Message: "Column missing"}
	}
	total := len(ds.Records)
	present := countNonEmpty(ds, domain.ColPropertyAddress)
	p := pct(present, total)
	return domain.CheckResult{
		Status:  band(p, 95, 80),
		Value:   fmt.Sprintf("%.1f%%", p),
		Message: fmt.Sprintf("%d/%d addresses present", present, total),
	}
}

func zipValidity(ds *domain.Dataset) domain.CheckResult {
	if !ds.HasColumn(domain.ColZIP) {
		return domain.CheckResult{Status: domain.CheckFail, Value: "0%", Message: "Column missing"}
	}
	total := len(ds.Records)
	valid := 0
	for i := range ds.Records {
		if zipPattern.MatchString(strings.TrimSpace(ds.Records[i].Field(domain.ColZIP))) {
			valid++
		}
	}
	p := pct(valid, total)
	return domain.CheckResult{
		Status:  band(p, 95, 80),
		Value:   fmt.Sprintf("%.1f%%", p),
		Message: fmt.Sprintf("%d/%d valid 5-digit ZIPs", valid, total),
	}
}

func propertyValueRange(ds *domain.Dataset) domain.CheckResult {
	col, ok := resolve.PickColumn(ds, resolve.PropertyValueColumns)
	if !ok {
		return domain.CheckResult{Status: domain.CheckFail, Value: "N/A", Message: "Column missing"}
	}
	total := len(ds.Records)
	var values []float64
	inRange := 0
	for i := range ds.Records {
		v, ok := resolve.Money(ds.Records[i].Field(col))
		if !ok {
			continue
		}
		values = append(values, v)
		if v >= 50000 && v <= 10000000 {
			inRange++
		}
	}
	p := pct(inRange, total)
	value := "N/A"
	if m, ok := median(values); ok {
		value = "$" + humanize.Commaf(math.Round(m))
	}
	return domain.CheckResult{
		Status:  band(p, 90, 70),
		Value:   value,
		Message: fmt.Sprintf("%d/%d values in $50K-$10M range", inRange, total),
	}
}

func ltvRange(ds *domain.Dataset) domain.CheckResult {
	if !ds.HasColumn(domain.ColLTVPct) {
		return domain.CheckResult{Status: domain.CheckFail, Value: "N/A", Message: "Column missing"}
	}
	total := len(ds.Records)
	var values []float64
	valid := 0
	for i := range ds.Records {
		ltv := ds.Records[i].LTVPct
		values = append(values, ltv)
		if ltv >= 0 && ltv <= 100 {
			valid++
		}
	}
	p := pct(valid, total)
	value := "N/A"
	if m, ok := median(values); ok {
		value = fmt.Sprintf("%.1f%%", m)
	}
	return domain.CheckResult{
		Status:  band(p, 95, 80),
		Value:   value,
		Message: fmt.Sprintf("%d/%d LTV values 0-100%%", valid, total),
	}
}

func equityAccuracy(ds *domain.Dataset) domain.CheckResult {
	if !ds.HasColumn(domain.ColEquityPct) || !ds.HasColumn(domain.ColLTVPct) {
		return domain.CheckResult{Status: domain.CheckFail, Value: "N/A", Message: "Required columns missing"}
	}
	total := len(ds.Records)
	accurate := 0
	for i := range ds.Records {
		r := &ds.Records[i]
		if math.Abs(r.EquityPct+r.LTVPct-100) < 1 {
			accurate++
		}
	}
	p := pct(accurate, total)
	return domain.CheckResult{
		Status:  band(p, 95, 80),
		Value:   fmt.Sprintf("%.1f%%", p),
		Message: fmt.Sprintf("%d/%d records: Equity%% + LTV%% = 100%%", accurate, total),
	}
}

func loanDateFormat(ds *domain.Dataset) domain.CheckResult {
	col, ok := resolve.PickColumn(ds, resolve.LoanDateColumns)
	if !ok {
		return domain.CheckResult{Status: domain.CheckFail, Value: "0%", Message: "Column missing"}
	}
	total := len(ds.Records)
	valid := 0
	for i := range ds.Records {
		if _, ok := resolve.Date(ds.Records[i].Field(col)); ok {
			valid++
		}
	}
	p := pct(valid, total)
	return domain.CheckResult{
		Status:  band(p, 90, 70),
		Value:   fmt.Sprintf("%.1f%%", p),
		Message: fmt.Sprintf("%d/%d parseable dates", valid, total),
	}
}

func loanAgeReasonable(ds *domain.Dataset) domain.CheckResult {
	if !ds.HasColumn(domain.ColLoanAgeMo) {
		return domain.CheckResult{Status: domain.CheckFail, Value: "N/A", Message: "Column missing"}
	}
	total := len(ds.Records)
	var ages []float64
	reasonable := 0
	for i := range ds.Records {
		age := ds.Records[i].LoanAgeMonths
		ages = append(ages, float64(age))
		if age >= 0 && age <= 360 {
			reasonable++
		}
	}
	p := pct(reasonable, total)
	value := "N/A"
	if m, ok := median(ages); ok {
		value = fmt.Sprintf("%.0f mo", m)
	}
	return domain.CheckResult{
		Status:  band(p, 95, 80),
		Value:   value,
		Message: fmt.Sprintf("%d/%d ages 0-360 months", reasonable, total),
	}
}

func duplicateDetection(ds *domain.Dataset) domain.CheckResult {
	if !ds.HasColumn(domain.ColPropertyAddress) || !ds.HasColumn(domain.ColZIP) {
		return domain.CheckResult{Status: domain.CheckWarn, Value: "N/A", Message: "Cannot check - missing columns"}
	}
	total := len(ds.Records)
	groups := make(map[string]int, total)
	for i := range ds.Records {
		r := &ds.Records[i]
		key := r.Field(domain.ColPropertyAddress) + "\x1f" + r.Field(domain.ColZIP)
		groups[key]++
	}
	// Every member of a colliding group counts as a duplicate.
	duplicates := 0
	for _, n := range groups {
		if n > 1 {
			duplicates += n
		}
	}
	p := pct(duplicates, total)
	status := domain.CheckFail
	switch {
	case p == 0:
		status = domain.CheckPass
	case p < 5:
		status = domain.CheckWarn
	}
	return domain.CheckResult{
		Status:  status,
		Value:   strconv.Itoa(duplicates),
		Message: fmt.Sprintf("%d potential duplicate records (%.1f%%)", duplicates, p),
	}
}

func missingValues(ds *domain.Dataset) domain.CheckResult {
	total := len(ds.Records)
	missing := 0
	for _, col := range criticalColumns {
		if !ds.HasColumn(col) {
			continue
		}
		missing += total - countNonEmpty(ds, col)
	}
	var p float64
	if total > 0 {
		p = float64(missing) / float64(total*len(criticalColumns)) * 100
	}
	status := domain.CheckFail
	switch {
	case p < 5:
		status = domain.CheckPass
	case p < 15:
		status = domain.CheckWarn
	}
	return domain.CheckResult{
		Status:  status,
		Value:   strconv.Itoa(missing),
		Message: fmt.Sprintf("%.1f%% missing in critical fields", p),
	}
}

func apsScoreDistribution(ds *domain.Dataset) domain.CheckResult {
	if !ds.HasColumn(domain.ColAPSScore) {
		return domain.CheckResult{Status: domain.CheckFail, Value: "N/A", Message: "Column missing"}
	}
	total := len(ds.Records)
	var scores []float64
	valid := 0
	for i := range ds.Records {
		s := ds.Records[i].APSScore
		scores = append(scores, s)
		if s >= 0 && s <= 100 {
			valid++
		}
	}
	p := pct(valid, total)
	status := domain.CheckWarn
	if p >= 95 {
		status = domain.CheckPass
	}
	value := "N/A"
	if m, ok := median(scores); ok {
		value = fmt.Sprintf("%.1f", m)
	}
	return domain.CheckResult{
		Status:  status,
		Value:   value,
		Message: fmt.Sprintf("%d/%d scores in 0-100 range", valid, total),
	}
}

func tierAssignment(ds *domain.Dataset) domain.CheckResult {
	if !ds.HasColumn(domain.ColAPSTier) {
		return domain.CheckResult{Status: domain.CheckFail, Value: "N/A", Message: "Column missing"}
	}
	total := len(ds.Records)
	dist := make(map[domain.Tier]int)
	valid := 0
	for i := range ds.Records {
		tier := ds.Records[i].Tier
		dist[tier]++
		if domain.IsValidTier(tier) {
			valid++
		}
	}
	p := pct(valid, total)
	status := domain.CheckWarn
	if p >= 95 {
		status = domain.CheckPass
	}
	return domain.CheckResult{
		Status:  status,
		Value:   fmt.Sprintf("%.1f%%", p),
		Message: fmt.Sprintf("Distribution: %v", dist),
	}
}

func cciValidity(ds *domain.Dataset) domain.CheckResult {
	if !ds.HasColumn(domain.ColCCI) {
		return domain.CheckResult{Status: domain.CheckFail, Value: "N/A", Message: "Column missing"}
	}
	total := len(ds.Records)
	var values []float64
	valid := 0
	for i := range ds.Records {
		cci := ds.Records[i].CCI
		values = append(values, cci)
		if cci >= 0 && cci <= 100 {
			valid++
		}
	}
	p := pct(valid, total)
	status := domain.CheckWarn
	if p >= 95 {
		status = domain.CheckPass
	}
	value := "N/A"
	if m, ok := median(values); ok {
		value = fmt.Sprintf("%.1f", m)
	}
	return domain.CheckResult{
		Status:  status,
		Value:   value,
		Message: fmt.Sprintf("%d/%d CCI scores 0-100", valid, total),
	}
}

func stateCodeFormat(ds *domain.Dataset) domain.CheckResult {
	if !ds.HasColumn(domain.ColState) {
		return domain.CheckResult{Status: domain.CheckFail, Value: "0%", Message: "Column missing"}
	}
	total := len(ds.Records)
	valid := 0
	for i := range ds.Records {
		if statePattern.MatchString(strings.TrimSpace(ds.Records[i].Field(domain.ColState))) {
			valid++
		}
	}
	p := pct(valid, total)
	status := domain.CheckWarn
	if p >= 95 {
		status = domain.CheckPass
	}
	return domain.CheckResult{
		Status:  status,
		Value:   fmt.Sprintf("%.1f%%", p),
		Message: fmt.Sprintf("%d/%d valid 2-letter state codes", valid, total),
	}
}

func refiEligibility(ds *domain.Dataset) domain.CheckResult {
	if !ds.HasColumn(domain.ColLTVPct) || !ds.HasColumn(domain.ColLoanAgeMo) {
		return domain.CheckResult{Status: domain.CheckFail, Value: "N/A", Message: "Required columns missing"}
	}
	total := len(ds.Records)
	eligible := 0
	for i := range ds.Records {
		r := &ds.Records[i]
		if r.LTVPct <= 80 && r.LoanAgeMonths >= 18 {
			eligible++
		}
	}
	p := pct(eligible, total)
	status := domain.CheckInfo
	switch {
	case p >= 50:
		status = domain.CheckPass
	case p >= 25:
		status = domain.CheckWarn
	}
	return domain.CheckResult{
		Status:  status,
		Value:   fmt.Sprintf("%.1f%%", p),
		Message: fmt.Sprintf("%d/%d meet refi criteria (LTV<=80%%, Age>=18mo)", eligible, total),
	}
}

func ownerNamePresent(ds *domain.Dataset) domain.CheckResult {
	if !ds.HasColumn(domain.ColOwnerName) {
		return domain.CheckResult{Status: domain.CheckFail, Value: "0%", Message: "Column missing"}
	}
	total := len(ds.Records)
	present := countNonEmpty(ds, domain.ColOwnerName)
	p := pct(present, total)
	return domain.CheckResult{
		Status:  band(p, 90, 70),
		Value:   fmt.Sprintf("%.1f%%", p),
		Message: fmt.Sprintf("%d/%d records have owner names", present, total),
	}
}

func dataFreshness(ds *domain.Dataset) domain.CheckResult {
	col, ok := resolve.PickColumn(ds, resolve.LoanDateColumns)
	if !ok {
		return domain.CheckResult{Status: domain.CheckFail, Value: "N/A", Message: "Column missing"}
	}
	total := len(ds.Records)
	recent := 0
	for i := range ds.Records {
		t, ok := resolve.Date(ds.Records[i].Field(col))
		if ok && !t.Before(freshnessCutoff) {
			recent++
		}
	}
	p := pct(recent, total)
	status := domain.CheckInfo
	switch {
	case p >= 70:
		status = domain.CheckPass
	case p >= 40:
		status = domain.CheckWarn
	}
	return domain.CheckResult{
		Status:  status,
		Value:   fmt.Sprintf("%.1f%%", p),
		Message: fmt.Sprintf("%d/%d loans from 2020 or later", recent, total),
	}
}

func countNonEmpty(ds *domain.Dataset, col string) int {
	n := 0
	for i := range ds.Records {
		if strings.TrimSpace(ds.Records[i].Field(col)) != "" {
			n++
		}
	}
	return n
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// band applies the common PASS/WARN/FAIL threshold scheme.
func band(p, pass, warn float64) string {
	switch {
	case p >= pass:
		return domain.CheckPass
	case p >= warn:
		return domain.CheckWarn
	default:
		return domain.CheckFail
	}
}

// median of a value list: average of the middle two for even lengths.
func median(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2, true
	}
	return sorted[mid], true
}
