// Package catalog holds the closed vocabularies shared by the store, the
// dashboard pipeline and the templates: source agencies, article categories
// and risk levels, each with its display name and style class.
package catalog

import "strings"

// All is the filter sentinel that disables a filter.
const All = "all"

// IsAll reports whether a filter value means "no filtering".
func IsAll(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, All)
}

type Agency string

const (
	FSC           Agency = "FSC"
	FSS           Agency = "FSS"
	MOEF          Agency = "MOEF"
	BOK           Agency = "BOK"
	FSCReg        Agency = "FSC_REG"
	FSSReg        Agency = "FSS_REG"
	FSSRegInfo    Agency = "FSS_REG_INFO"
	FSSSanction   Agency = "FSS_SANCTION"
	FSSMgmtNotice Agency = "FSS_MGMT_NOTICE"
)

// AgencyInfo is the display metadata of a source.
type AgencyInfo struct {
	Code      Agency
	Name      string
	ShortName string
	Style     string
}

var agencies = []AgencyInfo{
	{FSC, "금융위원회", "금융위", "agency-fsc"},
	{FSS, "금융감독원", "금감원", "agency-fss"},
	{MOEF, "기획재정부", "기재부", "agency-moef"},
	{BOK, "한국은행", "한은", "agency-bok"},
	{FSCReg, "금융위원회 규정", "금융위", "agency-fsc"},
	{FSSReg, "금융감독원 규정", "금감원", "agency-fss"},
	{FSSRegInfo, "금융감독원 제개정 정보", "금감원", "agency-fss"},
	{FSSSanction, "검사결과 제재", "검사결과 제재", "agency-sanction"},
	{FSSMgmtNotice, "경영유의사항", "경영유의사항", "agency-notice"},
}

var agencyIndex = func() map[Agency]AgencyInfo {
	m := make(map[Agency]AgencyInfo, len(agencies))
	for _, a := range agencies {
		m[a.Code] = a
	}
	return m
}()

// LookupAgency returns the metadata for code. Unknown codes echo the raw
// code with a neutral style.
func LookupAgency(code string) AgencyInfo {
	if a, ok := agencyIndex[Agency(code)]; ok {
		return a
	}
	return AgencyInfo{Code: Agency(code), Name: code, ShortName: code, Style: "agency-other"}
}

// Agencies lists every known source in display order.
func Agencies() []AgencyInfo {
	out := make([]AgencyInfo, len(agencies))
	copy(out, agencies)
	return out
}

// agencyPriority is the within-day order of the sort-by-risk view: FSS
// first, then FSC, MOEF and BOK. Other sources come after them.
var agencyPriority = map[Agency]int{FSS: 1, FSC: 2, MOEF: 3, BOK: 4}

// Priority ranks an agency for sorting; lower comes first.
func (a AgencyInfo) Priority() int {
	if p, ok := agencyPriority[a.Code]; ok {
		return p
	}
	return 99
}

// FilterAgencies lists the primary agencies offered in the filter bar.
func FilterAgencies() []AgencyInfo {
	return []AgencyInfo{agencyIndex[FSC], agencyIndex[FSS], agencyIndex[MOEF], agencyIndex[BOK]}
}

type Category string

const (
	PressRelease     Category = "press_release"
	RegulationNotice Category = "regulation_notice"
)

// NormalizeCategory maps an absent category to press_release, the
// collector's default.
func NormalizeCategory(c string) Category {
	if strings.TrimSpace(c) == "" {
		return PressRelease
	}
	return Category(c)
}

func (c Category) Label() string {
	switch c {
	case PressRelease:
		return "보도자료"
	case RegulationNotice:
		return "규정 예고"
	default:
		return string(c)
	}
}

// Categories lists the known categories in display order.
func Categories() []Category {
	return []Category{PressRelease, RegulationNotice}
}

type Risk string

const (
	RiskHigh   Risk = "high"
	RiskMedium Risk = "medium"
	RiskLow    Risk = "low"
)

// ParseRisk normalizes a stored risk level. Missing or unrecognized values
// are low.
func ParseRisk(s string) Risk {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return RiskHigh
	case "medium":
		return RiskMedium
	default:
		return RiskLow
	}
}

// Rank orders risk levels; higher is more severe.
func (r Risk) Rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

func (r Risk) Label() string {
	switch r {
	case RiskHigh:
		return "HIGH"
	case RiskMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func (r Risk) Style() string {
	return "risk-" + string(r)
}

// Risks lists the levels in descending severity.
func Risks() []Risk {
	return []Risk{RiskHigh, RiskMedium, RiskLow}
}
