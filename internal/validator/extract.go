// Package validator turns free-text workspace goals into measurable
// requirements, checks completed work against them, and gates phase
// transitions on achievement rate. Extraction and classification are pure
// functions: the same goal text always yields the same requirement set.
package validator

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Requirement types.
const (
	TypeContacts       = "contacts"
	TypeEmailSequences = "email_sequences"
	TypeContent        = "content"
	TypeFinancial      = "financial"
	TypeTemporal       = "temporal"
	TypePercentage     = "percentage"
	TypeDeliverables   = "deliverables"
)

// Requirement is one measurable target extracted from goal text.
type Requirement struct {
	Type         string  `json:"type"`
	TargetValue  float64 `json:"target_value"`
	Unit         string  `json:"unit"`
	IsPercentage bool    `json:"is_percentage"`
	IsMinimum    bool    `json:"is_minimum"`
	Domain       string  `json:"domain"`
	SourceSpan   string  `json:"source_span"`

	start int // span offset, used for stable output ordering
}

var (
	percentPattern    = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:%|percent(?:age)?\b)`)
	currencyPattern   = regexp.MustCompile(`(?i)(?:[$€£]\s*(\d[\d.,]*)\s*(k|m|thousand|million)?\b|\b(\d[\d.,]*)\s*(?:dollars|usd|eur|euros?|gbp|pounds)\b)`)
	durationPattern   = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(minutes?|mins?|hours?|hrs?|days?|weeks?|months?|quarters?|years?)\b`)
	ratioPattern      = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s*:\s*(\d+(?:\.\d+)?)\b`)
	multiplierPattern = regexp.MustCompile(`(?i)(?:\b(\d+(?:\.\d+)?)\s*[x×]\b|[x×]\s*(\d+(?:\.\d+)?)\b)`)
	scorePattern      = regexp.MustCompile(`(?i)\b(?:score|rating)\s+(?:of\s+)?(?:at\s+least\s+)?(\d+(?:\.\d+)?)\b|\b(\d+(?:\.\d+)?)\s*(?:/\s*|out\s+of\s+)(10|100)\b`)
	atLeastPattern    = regexp.MustCompile(`(?i)\b(?:at\s+least|a\s+minimum\s+of|minimum\s+of|no\s+fewer\s+than|no\s+less\s+than|more\s+than)\s+(\d[\d,]*(?:\.\d+)?)\s+((?:[a-z][\w'-]*)(?:\s+[a-z][\w'-]*){0,2})`)
	countPattern      = regexp.MustCompile(`(?i)\b(\d[\d,]*(?:\.\d+)?)\s+((?:[a-z][\w'-]*)(?:\s+[a-z][\w'-]*){0,2})`)

	trailingDurationPattern = regexp.MustCompile(`(?i)^\s*(minutes?|hours?|days?|weeks?|months?|years?)\b`)
	timelinePhrasePattern   = regexp.MustCompile(`(?i)\b(?:by\s+(?:the\s+)?end\s+of\s+(?:the\s+)?(week|month|quarter|year)|this\s+(week|month|quarter)|asap|as\s+soon\s+as\s+possible|immediately)\b`)
	qualityPhrasePattern    = regexp.MustCompile(`(?i)\b(high[\s-]quality|professional([\s-]grade)?|premium|excellent|best[\s-]in[\s-]class)\b`)
)

// Words that end a unit noun phrase. "of" is handled separately so that
// measure-word phrases like "pieces of content" keep the real noun.
var unitStopwords = map[string]bool{
	"and": true, "or": true, "with": true, "within": true, "in": true,
	"by": true, "for": true, "to": true, "the": true, "a": true, "an": true,
	"per": true, "from": true, "at": true, "on": true, "that": true,
	"which": true, "before": true, "after": true, "into": true, "over": true,
	"across": true, "during": true, "each": true, "every": true,
}

var measureWords = map[string]bool{
	"pieces": true, "piece": true, "items": true, "item": true,
	"sets": true, "set": true, "units": true, "unit": true,
	"copies": true, "copy": true, "rounds": true,
}

// Artifact types that deduplicate on (value, type) alone. A goal that says
// "3 email sequences" twice is still one requirement for 3 sequences.
var artifactTypes = map[string]bool{
	TypeContacts:       true,
	TypeEmailSequences: true,
	TypeContent:        true,
	TypeDeliverables:   true,
}

var temporalUnits = map[string]bool{
	"minute": true, "min": true, "hour": true, "hr": true, "day": true,
	"week": true, "month": true, "quarter": true, "year": true,
}

// Concept ontology used by the second classification phase. Each concept
// votes with its signal words; the winning concept maps to a requirement
// type via conceptTypes.
var conceptSignals = map[string][]string{
	"creation":      {"post", "article", "blog", "content", "calendar", "template", "video", "design", "page", "ebook", "guide", "asset", "draft"},
	"collection":    {"contact", "lead", "prospect", "subscriber", "follower", "signup", "respondent", "record", "entry"},
	"performance":   {"rate", "conversion", "engagement", "quality", "accuracy", "coverage", "retention", "score", "improvement"},
	"communication": {"email", "sequence", "campaign", "newsletter", "outreach", "message", "reply", "touchpoint"},
	"financial":     {"revenue", "budget", "cost", "profit", "sale", "deal", "mrr", "arr", "income", "spend"},
	"temporal":      {"minute", "hour", "day", "week", "month", "quarter", "year", "deadline", "sprint"},
	"health":        {"uptime", "availability", "incident", "error", "latency", "recovery"},
	"technology":    {"integration", "api", "deployment", "feature", "module", "system", "automation", "pipeline", "tool"},
	"education":     {"course", "lesson", "tutorial", "workshop", "webinar", "training", "curriculum"},
}

// conceptOrder fixes tie-breaking so classification stays deterministic.
var conceptOrder = []string{
	"collection", "communication", "creation", "financial", "temporal",
	"performance", "health", "technology", "education",
}

var conceptTypes = map[string]string{
	"creation":      TypeContent,
	"collection":    TypeContacts,
	"performance":   TypePercentage,
	"communication": TypeEmailSequences,
	"financial":     TypeFinancial,
	"temporal":      TypeTemporal,
	"health":        TypePercentage,
	"technology":    TypeDeliverables,
	"education":     TypeContent,
}

type span struct{ start, end int }

func overlaps(claimed []span, start, end int) bool {
	for _, c := range claimed {
		if start < c.end && end > c.start {
			return true
		}
	}
	return false
}

// ExtractRequirements parses goal text into a deduplicated, ordered list of
// measurable requirements. Matchers run from most to least specific and
// claim their character span, so a generic count never re-extracts a value
// already taken by a percentage, currency, or duration match.
func ExtractRequirements(text string) []Requirement {
	var (
		claimed []span
		reqs    []Requirement
		seen    = map[string]bool{}
	)

	add := func(r Requirement, start, end int) {
		r.SourceSpan = strings.TrimSpace(text[start:end])
		r.start = start
		if !keepQuality(r) {
			return
		}
		key := dedupKey(r)
		if seen[key] {
			claimed = append(claimed, span{start, end})
			return
		}
		seen[key] = true
		claimed = append(claimed, span{start, end})
		reqs = append(reqs, r)
	}

	for _, m := range percentPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		// A bare duration word right after the match means the number
		// belonged to a timeline, not a percentage.
		if trailingDurationPattern.MatchString(text[m[1]:]) {
			continue
		}
		v, ok := parseNumber(text[m[2]:m[3]])
		if !ok {
			continue
		}
		// The span keys deduplication, so pull in local context: two 25%
		// thresholds over different metrics must stay distinct.
		end := extendSpanWords(text, m[1], 2)
		add(Requirement{
			Type: TypePercentage, TargetValue: v, Unit: "%",
			IsPercentage: true, IsMinimum: true, Domain: "performance",
		}, m[0], end)
	}

	for _, m := range currencyPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		raw, suffix := "", ""
		if m[2] >= 0 {
			raw = text[m[2]:m[3]]
			if m[4] >= 0 {
				suffix = strings.ToLower(text[m[4]:m[5]])
			}
		} else if m[6] >= 0 {
			raw = text[m[6]:m[7]]
		}
		v, ok := parseAmount(raw)
		if !ok {
			continue
		}
		switch suffix {
		case "k", "thousand":
			v *= 1_000
		case "m", "million":
			v *= 1_000_000
		}
		add(Requirement{
			Type: TypeFinancial, TargetValue: v, Unit: "currency",
			IsMinimum: true, Domain: "financial",
		}, m[0], m[1])
	}

	for _, m := range durationPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		v, ok := parseNumber(text[m[2]:m[3]])
		if !ok {
			continue
		}
		unit := normalizeUnit(text[m[4]:m[5]])
		add(Requirement{
			Type: TypeTemporal, TargetValue: v, Unit: unit + "s",
			Domain: "temporal",
		}, m[0], m[1])
	}

	for _, m := range ratioPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		a, okA := parseNumber(text[m[2]:m[3]])
		b, okB := parseNumber(text[m[4]:m[5]])
		if !okA || !okB || b == 0 {
			continue
		}
		add(Requirement{
			Type: TypePercentage, TargetValue: a / b, Unit: "ratio",
			IsMinimum: true, Domain: "performance",
		}, m[0], m[1])
	}

	for _, m := range multiplierPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		raw := ""
		if m[2] >= 0 {
			raw = text[m[2]:m[3]]
		} else if m[4] >= 0 {
			raw = text[m[4]:m[5]]
		}
		v, ok := parseNumber(raw)
		if !ok {
			continue
		}
		add(Requirement{
			Type: TypePercentage, TargetValue: v * 100, Unit: "multiplier",
			IsPercentage: true, IsMinimum: true, Domain: "performance",
		}, m[0], m[1])
	}

	for _, m := range scorePattern.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		var v float64
		var ok bool
		if m[2] >= 0 {
			v, ok = parseNumber(text[m[2]:m[3]])
		} else if m[4] >= 0 && m[6] >= 0 {
			// "8/10" style scores normalize to a percentage.
			num, okN := parseNumber(text[m[4]:m[5]])
			den, okD := parseNumber(text[m[6]:m[7]])
			if okN && okD && den > 0 {
				v, ok = num/den*100, true
			}
		}
		if !ok {
			continue
		}
		add(Requirement{
			Type: TypePercentage, TargetValue: v, Unit: "score",
			IsPercentage: true, IsMinimum: true, Domain: "performance",
		}, m[0], m[1])
	}

	for _, m := range atLeastPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		v, ok := parseNumber(text[m[2]:m[3]])
		if !ok {
			continue
		}
		unit := trimUnitPhrase(text[m[4]:m[5]])
		if unit == "" {
			continue
		}
		typ, domain := classify(unit, surrounding(text, m[0], m[1]))
		add(Requirement{
			Type: typ, TargetValue: v, Unit: unit,
			IsMinimum: true, Domain: domain,
		}, m[0], m[1])
	}

	for _, m := range countPattern.FindAllStringSubmatchIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		v, ok := parseNumber(text[m[2]:m[3]])
		if !ok {
			continue
		}
		unit := trimUnitPhrase(text[m[4]:m[5]])
		if unit == "" {
			continue
		}
		typ, domain := classify(unit, surrounding(text, m[0], m[1]))
		add(Requirement{
			Type: typ, TargetValue: v, Unit: unit, Domain: domain,
		}, m[0], m[1])
	}

	reqs = append(reqs, implicitRequirements(text, reqs, seen)...)

	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].start < reqs[j].start })
	return reqs
}

// implicitRequirements adds timeline and quality-threshold requirements for
// canonical phrases that carry no explicit number.
func implicitRequirements(text string, existing []Requirement, seen map[string]bool) []Requirement {
	var out []Requirement

	hasTemporal := false
	for _, r := range existing {
		if r.Type == TypeTemporal {
			hasTemporal = true
			break
		}
	}
	if !hasTemporal {
		if m := timelinePhrasePattern.FindStringSubmatchIndex(text); m != nil {
			days := 30.0
			switch {
			case m[2] >= 0:
				days = horizonDays(text[m[2]:m[3]])
			case m[4] >= 0:
				days = horizonDays(text[m[4]:m[5]])
			default: // asap / immediately
				days = 7
			}
			r := Requirement{
				Type: TypeTemporal, TargetValue: days, Unit: "days",
				Domain:     "temporal",
				SourceSpan: strings.TrimSpace(text[m[0]:m[1]]),
				start:      m[0],
			}
			if key := dedupKey(r); !seen[key] {
				seen[key] = true
				out = append(out, r)
			}
		}
	}

	if m := qualityPhrasePattern.FindStringSubmatchIndex(text); m != nil {
		target := 80.0
		phrase := strings.ToLower(text[m[0]:m[1]])
		if strings.Contains(phrase, "premium") || strings.Contains(phrase, "excellent") || strings.Contains(phrase, "best") {
			target = 90
		}
		r := Requirement{
			Type: TypePercentage, TargetValue: target, Unit: "quality_score",
			IsPercentage: true, IsMinimum: true, Domain: "performance",
			SourceSpan: strings.TrimSpace(text[m[0]:m[1]]),
			start:      m[0],
		}
		if key := dedupKey(r); !seen[key] {
			seen[key] = true
			out = append(out, r)
		}
	}

	return out
}

func horizonDays(word string) float64 {
	switch strings.ToLower(word) {
	case "week":
		return 7
	case "month":
		return 30
	case "quarter":
		return 90
	case "year":
		return 365
	}
	return 30
}

// dedupKey builds the composite identity of a requirement. Percentage
// matches key on their exact span so distinct thresholds with the same
// value survive; quantified artifact types collapse on (value, type).
func dedupKey(r Requirement) string {
	switch {
	case r.Type == TypePercentage:
		return "pct|" + strings.ToLower(r.SourceSpan)
	case artifactTypes[r.Type]:
		return fmt.Sprintf("%s|%g", r.Type, r.TargetValue)
	default:
		return fmt.Sprintf("%s|%g|%s", r.Type, r.TargetValue, normalizeUnit(r.Unit))
	}
}

// keepQuality drops junk matches: units shorter than 3 characters, purely
// prepositional phrases, and temporal words that slipped through as
// percentages.
func keepQuality(r Requirement) bool {
	unit := strings.TrimSpace(r.Unit)
	if unit != "%" && len(unit) < 3 {
		return false
	}
	words := strings.Fields(strings.ToLower(unit))
	if len(words) > 0 {
		all := true
		for _, w := range words {
			if !unitStopwords[w] && w != "of" {
				all = false
				break
			}
		}
		if all {
			return false
		}
	}
	if r.IsPercentage && temporalUnits[normalizeUnit(unit)] {
		return false
	}
	return true
}

// trimUnitPhrase cleans a captured noun phrase: cut at the first stopword,
// resolve measure-word "X of Y" constructions to Y, drop leading articles.
func trimUnitPhrase(raw string) string {
	words := strings.Fields(raw)
	var kept []string
	for i := 0; i < len(words); i++ {
		w := strings.ToLower(words[i])
		if w == "of" {
			if len(kept) == 1 && measureWords[kept[0]] && i+1 < len(words) {
				kept = kept[:0] // "pieces of content" -> "content"
				continue
			}
			break
		}
		if unitStopwords[w] {
			break
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// classify resolves the requirement type for a unit phrase: direct lexical
// signals first, then concept-score voting over the ontology.
func classify(unit, ctx string) (typ, domain string) {
	u := strings.ToLower(unit)
	switch {
	case containsAny(u, "contact", "lead", "prospect", "subscriber"):
		return TypeContacts, "collection"
	case strings.Contains(u, "sequence") || containsAny(u, "email", "campaign", "newsletter"):
		return TypeEmailSequences, "communication"
	case containsAny(u, "post", "article", "blog", "content", "calendar", "template", "video", "page"):
		return TypeContent, "creation"
	case containsAny(u, "deliverable", "report", "document"):
		return TypeDeliverables, "technology"
	case temporalUnits[normalizeUnit(u)]:
		return TypeTemporal, "temporal"
	case containsAny(u, "revenue", "budget", "dollar", "sale"):
		return TypeFinancial, "financial"
	}

	scores := map[string]int{}
	haystack := u + " " + strings.ToLower(ctx)
	for concept, signals := range conceptSignals {
		for _, s := range signals {
			if strings.Contains(haystack, s) {
				scores[concept]++
			}
		}
	}
	best, bestScore := "", 0
	for _, concept := range conceptOrder {
		if scores[concept] > bestScore {
			best, bestScore = concept, scores[concept]
		}
	}
	if best == "" {
		return TypeDeliverables, "general"
	}
	return conceptTypes[best], best
}

var spanWordPattern = regexp.MustCompile(`^\s+([A-Za-z][\w-]*)`)

// extendSpanWords grows a span over up to max following words, stopping at
// connective or temporal words.
func extendSpanWords(text string, end, max int) int {
	for i := 0; i < max; i++ {
		m := spanWordPattern.FindStringSubmatchIndex(text[end:])
		if m == nil {
			break
		}
		w := strings.ToLower(text[end+m[2] : end+m[3]])
		if unitStopwords[w] || temporalUnits[normalizeUnit(w)] {
			break
		}
		end += m[1]
	}
	return end
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// surrounding returns a window of text around a match for concept voting.
func surrounding(text string, start, end int) string {
	lo := start - 30
	if lo < 0 {
		lo = 0
	}
	hi := end + 30
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}

func normalizeUnit(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) > 3 && strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss") {
		s = s[:len(s)-1]
	}
	return s
}

func parseNumber(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseAmount handles currency figures with locale-aware thousands
// separators: the last separator is decimal only when followed by one or
// two digits.
func parseAmount(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	lastSep := strings.LastIndexAny(raw, ".,")
	if lastSep == -1 {
		return parseNumber(raw)
	}
	frac := raw[lastSep+1:]
	clean := strings.Map(func(r rune) rune {
		if r == '.' || r == ',' {
			return -1
		}
		return r
	}, raw)
	if len(frac) >= 1 && len(frac) <= 2 {
		whole := clean[:len(clean)-len(frac)]
		v, err := strconv.ParseFloat(whole+"."+frac, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return parseNumber(clean)
}
