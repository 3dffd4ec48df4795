package utils

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultMaxContentLength is used when a caller passes a non-positive limit
	DefaultMaxContentLength = 2000

	// words longer than this many runes count toward the repetition heuristic
	repetitionMinWordRunes = 3
	// a word seen more than this many times marks the text as spam
	repetitionThreshold = 5
)

type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "low"
	}
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

type Threat string

const (
	ThreatTooLong       Threat = "too-long"
	ThreatXSS           Threat = "xss"
	ThreatSQLInjection  Threat = "sql-injection"
	ThreatSuspiciousURL Threat = "suspicious-url"
	ThreatRepetition    Threat = "excessive-repetition"
)

// Severity of each threat class. too-long is graded separately by overage.
var threatSeverity = map[Threat]RiskLevel{
	ThreatXSS:           RiskCritical,
	ThreatSQLInjection:  RiskCritical,
	ThreatSuspiciousURL: RiskMedium,
	ThreatRepetition:    RiskMedium,
}

// Penalty deducted from the security score, once per threat class.
var threatPenalty = map[Threat]int{
	ThreatXSS:           100,
	ThreatSQLInjection:  100,
	ThreatSuspiciousURL: 30,
	ThreatRepetition:    25,
	ThreatTooLong:       20,
}

// ValidationResult is the outcome of ValidateContent.
type ValidationResult struct {
	Valid            bool      `json:"valid"`
	SanitizedContent string    `json:"sanitized_content"`
	Threats          []Threat  `json:"threats"`
	RiskLevel        RiskLevel `json:"risk_level"`
	SecurityScore    int       `json:"security_score"`
}

// HasThreat reports whether t was detected.
func (r ValidationResult) HasThreat(t Threat) bool {
	for _, v := range r.Threats {
		if v == t {
			return true
		}
	}
	return false
}

const eventHandlers = `on(?:load|unload|beforeunload|error|abort|click|dblclick|contextmenu|mouse[a-z]*|pointer[a-z]*|touch[a-z]*|key[a-z]*|focus|blur|change|input|submit|reset|select|scroll|resize|wheel|drag[a-z]*|drop|copy|cut|paste|play|pause|ended|message|toggle|animation[a-z]*|transition[a-z]*|show|begin)`

var (
	xssPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<\s*script`),
		regexp.MustCompile(`(?i)javascript\s*:`),
		regexp.MustCompile(`(?i)vbscript\s*:`),
		regexp.MustCompile(`(?i)\b` + eventHandlers + `\s*=`),
		regexp.MustCompile(`(?i)data\s*:\s*text/html`),
		regexp.MustCompile(`(?i)\beval\s*\(`),
		regexp.MustCompile(`(?i)<\s*(?:iframe|object|embed)\b`),
	}

	sqlInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bunion\s+(?:all\s+)?select\b`),
		regexp.MustCompile(`(?i)\bdrop\s+(?:table|database)\b`),
		regexp.MustCompile(`(?i)\binsert\s+into\s+\w+\s*(?:\(|values\b)`),
		regexp.MustCompile(`(?i)\bdelete\s+from\s+\w+\s*(?:;|where\b)`),
		regexp.MustCompile(`(?i)'\s*or\s+'?\w+'?\s*=\s*'?\w+`),
		regexp.MustCompile(`(?i)'\s*;?\s*--`),
		regexp.MustCompile(`(?i);\s*shutdown\b`),
		regexp.MustCompile(`(?i)\bexec(?:\s+|\s*\()xp_`),
	}

	suspiciousURLPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s/]+/\S*\.(?:exe|bat|cmd|scr|msi|vbs|jar|apk|dmg|ps1|sh)\b`)

	// stripped repeatedly until the text stops changing
	stripPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<\s*(?:script|iframe|object|embed)\b.*?<\s*/\s*(?:script|iframe|object|embed)\s*>`),
		regexp.MustCompile(`(?i)<\s*/?\s*(?:script|iframe|object|embed)\b[^>]*>?`),
		regexp.MustCompile(`(?i)(?:javascript|vbscript)\s*:`),
		regexp.MustCompile(`(?i)data\s*:\s*text/html`),
		regexp.MustCompile(`(?i)\b` + eventHandlers + `\s*=`),
	}
)

var htmlEscapes = map[rune]string{
	'&':  "&amp;",
	'<':  "&lt;",
	'>':  "&gt;",
	'"':  "&quot;",
	'\'': "&#39;",
	'`':  "&#96;",
	'=':  "&#61;",
}

// entities Sanitize emits itself; they pass through untouched on a second run
var knownEntities = []string{"&amp;", "&lt;", "&gt;", "&quot;", "&#39;", "&#96;", "&#61;"}

// ValidateContent scores and sanitizes user text. It is pure: the same input
// always yields the same result.
func ValidateContent(text string, maxLength int) ValidationResult {
	if maxLength <= 0 {
		maxLength = DefaultMaxContentLength
	}

	if strings.TrimSpace(text) == "" {
		return ValidationResult{
			Valid:     false,
			Threats:   []Threat{},
			RiskLevel: RiskLow,
		}
	}

	threats := []Threat{}
	risk := RiskLow
	body := text

	length := utf8.RuneCountInString(text)
	tooLong := length > maxLength
	if tooLong {
		threats = append(threats, ThreatTooLong)
		risk = RiskMedium
		if (length-maxLength)*2 > maxLength {
			risk = RiskHigh
		}
		body = string([]rune(text)[:maxLength])
	}

	if matchesAny(text, xssPatterns) {
		threats = append(threats, ThreatXSS)
	}
	if matchesAny(text, sqlInjectionPatterns) {
		threats = append(threats, ThreatSQLInjection)
	}
	if suspiciousURLPattern.MatchString(text) {
		threats = append(threats, ThreatSuspiciousURL)
	}
	if hasExcessiveRepetition(text) {
		threats = append(threats, ThreatRepetition)
	}

	score := 100
	for _, t := range threats {
		if sev, ok := threatSeverity[t]; ok && sev > risk {
			risk = sev
		}
		score -= threatPenalty[t]
	}
	if score < 0 {
		score = 0
	}

	return ValidationResult{
		Valid:            !tooLong && risk < RiskCritical,
		SanitizedContent: Sanitize(body),
		Threats:          threats,
		RiskLevel:        risk,
		SecurityScore:    score,
	}
}

// Sanitize removes active markup and entity-escapes the characters that matter
// in HTML. Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(text string) string {
	for {
		stripped := text
		for _, re := range stripPatterns {
			stripped = re.ReplaceAllString(stripped, "")
		}
		if stripped == text {
			break
		}
		text = stripped
	}
	return escapeHTML(text)
}

func escapeHTML(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if r == '&' {
			if entity := knownEntityAt(text[i:]); entity != "" {
				b.WriteString(entity)
				i += len(entity)
				continue
			}
		}
		if esc, ok := htmlEscapes[r]; ok {
			b.WriteString(esc)
		} else {
			b.WriteString(text[i : i+size])
		}
		i += size
	}
	return b.String()
}

func knownEntityAt(s string) string {
	for _, e := range knownEntities {
		if strings.HasPrefix(s, e) {
			return e
		}
	}
	return ""
}

func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func hasExcessiveRepetition(text string) bool {
	counts := make(map[string]int)
	for _, word := range normalizedWords(text) {
		if utf8.RuneCountInString(word) <= repetitionMinWordRunes {
			continue
		}
		counts[word]++
		if counts[word] > repetitionThreshold {
			return true
		}
	}
	return false
}

// normalizedWords lower-cases, folds accents and splits on anything that is
// not a letter or digit.
func normalizedWords(text string) []string {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, strings.ToLower(text))
	if err != nil {
		folded = strings.ToLower(text)
	}
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// ReasonFor is the user-facing explanation for a rejected result. It names
// the category only, never the matched pattern.
func ReasonFor(r ValidationResult) string {
	switch {
	case r.Valid:
		return ""
	case len(r.Threats) == 0 && r.SanitizedContent == "":
		return "Content is required"
	case r.HasThreat(ThreatTooLong):
		return "Content is too long"
	case r.RiskLevel == RiskCritical:
		return "Content was rejected by our security checks"
	default:
		return "Content could not be accepted"
	}
}
