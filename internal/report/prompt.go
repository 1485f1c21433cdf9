package report

import (
	"fmt"
	"sort"
	"strings"
)

// Profile is a named prompt template with its own excerpt cap.
type Profile struct {
	Name string
	// MaxContentChars caps the content excerpt in runes. Longer content
	// is cut without notice.
	MaxContentChars int
	template        string
}

const briefingTemplate = `Role: You are the Chief Risk Officer (CRO) of a major Korean commercial bank.
Task: Write a professional internal report analyzing the following regulatory news.

Input:
- Agency: %s
- Title: %s
- Content: %s

Requirements:
1. Language: Korean.
2. Style: Strict Gaejo-style (개조식).
   - End sentences with nouns or noun-like endings such as "~예상됨", "~필요함", "~확인", "~불가피".
   - Do NOT use "~것입니다", "~합니다", "~있습니다".
3. Format: Markdown. Use ## for main sections and ### for subsections. Do not bold headers.
4. Tone: Cold, analytical, concise.

Structure:
## 1. Executive Summary
(3 lines max)

## 2. Key Regulation Changes

## 3. Market Implications

## 4. Risk Assessment
### Credit Risk
### Market Risk
### Operational Risk
### Reputational Risk

## 5. Strategic Recommendations

Return ONLY the Markdown report.`

const gaejoTemplate = `역할: 국내 대형 시중은행의 최고리스크책임자(CRO)
과제: 아래 규제 동향 기사에 대한 내부 보고서 작성

입력
- 기관: %s
- 제목: %s
- 본문: %s

작성 원칙
1. 모든 문장은 개조식으로 작성 ("~예상됨", "~필요함", "~확인", "~불가피", "~검토 요망" 등 명사형 종결)
2. "~것입니다", "~합니다", "~있습니다", "~됩니다" 등 서술형 종결 사용 금지
3. 문장 끝에 마침표(.) 사용 금지
4. 제목은 ## 및 ### 마크다운 헤더만 사용하며 굵은 글씨 처리 금지
5. 추측성 표현 최소화, 기사 본문에 근거한 사실 위주 기술
6. 각 항목은 "-" 글머리표로 시작

보고서 구성
## 1. 핵심 요약
(3줄 이내)

## 2. 주요 규제 변경 사항

## 3. 시장 영향

## 4. 리스크 평가
### 신용리스크
### 시장리스크
### 운영리스크
### 평판리스크

## 5. 대응 전략 제언

마크다운 보고서 본문만 출력`

var profiles = map[string]Profile{
	"briefing": {Name: "briefing", MaxContentChars: 5000, template: briefingTemplate},
	"gaejo":    {Name: "gaejo", MaxContentChars: 8000, template: gaejoTemplate},
}

// LookupProfile returns the named profile.
func LookupProfile(name string) (Profile, bool) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// ProfileNames lists the known profiles in alphabetical order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build renders the prompt for one article.
func (p Profile) Build(agency, title, content string) string {
	return fmt.Sprintf(p.template, agency, title, Truncate(content, p.MaxContentChars))
}

// Truncate keeps at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
