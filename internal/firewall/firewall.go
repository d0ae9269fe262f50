// Package firewall screens agent prompts for injection attacks before
// the proxy forwards them to an LLM. Detection runs against a
// normalized view of the prompt (NFKC fold, homoglyph mapping,
// char-split collapse, base64 probing) so the classic evasions do not
// slip past the pattern battery.
package firewall

import (
	"encoding/base64"
	"math"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Result is the firewall verdict for one prompt.
type Result struct {
	Safe      bool     `json:"safe"`
	RiskScore float64  `json:"risk_score"` // 0.0 to 1.0
	Threats   []string `json:"threats_detected"`
	Sanitized string   `json:"sanitized_prompt"`
}

// blockThreshold: anything at or above this risk is refused.
const blockThreshold = 0.7

type pattern struct {
	re     *regexp.Regexp
	threat string
	weight float64
}

var injectionPatterns = []pattern{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`), "instruction_override", 0.9},
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?above`), "instruction_override", 0.8},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(?:a|an)\s+`), "persona_hijack", 0.85},
	{regexp.MustCompile(`(?i)pretend\s+(?:you\s+are|to\s+be)`), "persona_hijack", 0.8},
	{regexp.MustCompile(`(?i)act\s+as\s+(?:if\s+you\s+are|a|an)`), "persona_hijack", 0.7},
	{regexp.MustCompile(`(?i)system\s*:\s*`), "system_prompt_injection", 0.95},
	{regexp.MustCompile(`(?i)\[INST\]|\[/INST\]|<<SYS>>|<\|im_start\|>`), "format_injection", 0.9},
	{regexp.MustCompile(`(?i)ADMIN\s+MODE|GOD\s+MODE|DEBUG\s+MODE`), "privilege_escalation", 0.95},
	{regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?prompt`), "prompt_extraction", 0.85},
	{regexp.MustCompile(`(?i)what\s+(?:are|were)\s+your\s+(?:initial\s+)?instructions`), "prompt_extraction", 0.8},
	{regexp.MustCompile(`(?i)output\s+(?:your|the)\s+(?:above|initial|system)`), "prompt_extraction", 0.85},
	{regexp.MustCompile(`(?i)base64\s+decode|eval\(|exec\(|__import__`), "code_injection", 0.95},
	{regexp.MustCompile(`(?i)(?:curl|wget|fetch)\s+https?://`), "exfiltration_attempt", 0.8},
	{regexp.MustCompile(`(?i)send\s+(?:(?:this|the|all)\s+)*(?:data|info|conversation|information)\s+to`), "exfiltration_attempt", 0.9},
	{regexp.MustCompile(`(?i)(?:do\s+not|don'?t)\s+(?:follow|obey|listen)`), "instruction_override", 0.85},
	{regexp.MustCompile(`(?i)translate\s+the\s+following.*(?:ignore|forget)`), "obfuscation", 0.8},
	{regexp.MustCompile(`(?i)sudo\s+`), "privilege_escalation", 0.7},
	{regexp.MustCompile(`(?i)(?:override|bypass)\s+(?:safety|content|security|filter)`), "safety_bypass", 0.95},
	{regexp.MustCompile(`(?i)jailbreak|DAN\s+mode|Do\s+Anything\s+Now`), "jailbreak", 0.95},
}

// multilingualPatterns cover the same attacks phrased in the languages
// agents most often try. Matched against both the raw and the
// normalized lowered prompt: normalization un-hides homoglyph tricks
// but also folds genuine Cyrillic into Latin, so the raw view keeps
// the native-script patterns honest.
var multilingualPatterns = []pattern{
	{regexp.MustCompile(`(?:ignora|olvida)\s+(?:todas\s+las\s+)?instrucciones`), "instruction_override_es", 0.9},
	{regexp.MustCompile(`(?:ignorez|oubliez)\s+(?:toutes\s+les\s+)?instructions`), "instruction_override_fr", 0.9},
	{regexp.MustCompile(`(?:ignoriere|vergiss)\s+(?:alle\s+)?(?:vorherigen\s+)?anweisungen`), "instruction_override_de", 0.9},
	{regexp.MustCompile(`(?:ignore|esqueça)\s+(?:todas\s+as\s+)?instru(?:ç|c)ões`), "instruction_override_pt", 0.9},
	{regexp.MustCompile(`忽略.*指令`), "instruction_override_zh", 0.9},
	{regexp.MustCompile(`(?:игнорируй|забудь)\s+(?:все\s+)?(?:предыдущие\s+)?инструкции`), "instruction_override_ru", 0.9},
	{regexp.MustCompile(`指示.*無視`), "instruction_override_ja", 0.9},
	{regexp.MustCompile(`지시.*무시`), "instruction_override_ko", 0.9},
	{regexp.MustCompile(`modo\s+(?:administrador|dios|depuración)`), "privilege_escalation_es", 0.95},
	{regexp.MustCompile(`mode\s+(?:dieu|administrateur)`), "privilege_escalation_fr", 0.95},
	{regexp.MustCompile(`(?:dime|muestra)\s+(?:tu|el|tus)\s+prompt`), "prompt_extraction_es", 0.85},
	{regexp.MustCompile(`r(?:é|e)v(?:é|e)lez\s+(?:le\s+)?prompt`), "prompt_extraction_fr", 0.85},
}

var sensitivePatterns = []struct {
	re     *regexp.Regexp
	threat string
}{
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "ssn_detected"},
	{regexp.MustCompile(`\b\d{16}\b`), "credit_card_detected"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "email_in_prompt"},
}

// homoglyphs maps Cyrillic and Greek lookalikes to their Latin ASCII
// targets. NFKC handles fullwidth, circled and roman-numeral forms;
// these never decompose on their own.
var homoglyphs = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'у': 'y', 'х': 'x',
	'і': 'i', 'ѕ': 's', 'ј': 'j', 'ԁ': 'd', 'һ': 'h', 'ь': 'b', 'п': 'n',
	'А': 'A', 'В': 'B', 'Е': 'E', 'І': 'I', 'К': 'K', 'М': 'M', 'Н': 'H',
	'О': 'O', 'Р': 'P', 'С': 'C', 'Т': 'T', 'У': 'Y', 'Х': 'X',
	'α': 'a', 'ε': 'e', 'ι': 'i', 'ο': 'o', 'ρ': 'p', 'τ': 't', 'υ': 'u', 'ν': 'v',
}

var (
	base64Candidate = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	splitRun        = regexp.MustCompile(`\b(?:[A-Za-z0-9][. _\-]){3,}[A-Za-z0-9]\b`)
	splitSeparators = strings.NewReplacer(".", "", " ", "", "_", "", "-", "")
)

// base64Keywords flag a decoded payload as an encoded injection.
var base64Keywords = []string{
	"ignore", "previous", "instructions", "system", "admin",
	"jailbreak", "override", "bypass", "sudo", "eval", "exec",
}

// Analyze scores a prompt. Risk is the maximum weight of any matched
// pattern; prompts at or above 0.7 are unsafe and get a sanitized copy
// with the matched spans replaced by [BLOCKED].
func Analyze(prompt string) Result {
	if prompt == "" {
		return Result{Safe: true, RiskScore: 0, Threats: []string{}, Sanitized: ""}
	}

	threats := []string{}
	seen := map[string]bool{}
	maxRisk := 0.0
	record := func(threat string, weight float64) {
		if !seen[threat] {
			seen[threat] = true
			threats = append(threats, threat)
		}
		maxRisk = math.Max(maxRisk, weight)
	}

	// Encoded payloads are probed on the raw prompt; normalization
	// would corrupt the base64 alphabet.
	for _, threat := range detectBase64Payloads(prompt) {
		record(threat, 0.9)
	}

	// Both views matter: the normalized one un-hides homoglyph and
	// char-split evasions, the raw one keeps native-script patterns
	// matching text the homoglyph fold would mangle.
	rawLower := strings.ToLower(prompt)
	normLower := strings.ToLower(stripCharSplitting(normalizeUnicode(prompt)))

	for _, p := range injectionPatterns {
		if p.re.MatchString(rawLower) || p.re.MatchString(normLower) {
			record(p.threat, p.weight)
		}
	}
	for _, p := range multilingualPatterns {
		if p.re.MatchString(rawLower) || p.re.MatchString(normLower) {
			record(p.threat, p.weight)
		}
	}
	for _, p := range sensitivePatterns {
		if p.re.MatchString(prompt) {
			record(p.threat, 0.5)
		}
	}

	runes := []rune(prompt)
	if len(runes) > 50 {
		special := 0
		for _, r := range runes {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != ' ' {
				special++
			}
		}
		if float64(special)/float64(len(runes)) > 0.3 {
			record("high_special_char_ratio", 0.6)
		}
	}
	if len(runes) > 10000 {
		record("abnormal_length", 0.5)
	}
	if diverse, ratio := scriptDiversity(runes); diverse >= 5 && ratio > 0.15 {
		record("high_script_diversity", 0.75)
	}

	risk := math.Round(maxRisk*100) / 100
	safe := risk < blockThreshold

	sanitized := prompt
	if !safe {
		for _, p := range injectionPatterns {
			sanitized = p.re.ReplaceAllString(sanitized, "[BLOCKED]")
		}
		for _, p := range multilingualPatterns {
			sanitized = p.re.ReplaceAllString(sanitized, "[BLOCKED]")
		}
	}

	return Result{Safe: safe, RiskScore: risk, Threats: threats, Sanitized: sanitized}
}

// normalizeUnicode folds a prompt to its plain-ASCII skeleton where
// one exists: NFKC first, then the homoglyph table.
func normalizeUnicode(s string) string {
	folded := norm.NFKC.String(s)
	return strings.Map(func(r rune) rune {
		if mapped, ok := homoglyphs[r]; ok {
			return mapped
		}
		return r
	}, folded)
}

// stripCharSplitting collapses runs of 4 or more single alphanumerics
// separated by dots, dashes, underscores or spaces ("i.g.n.o.r.e" ->
// "ignore"). Shorter runs like "U.S." survive.
func stripCharSplitting(s string) string {
	return splitRun.ReplaceAllStringFunc(s, func(run string) string {
		return splitSeparators.Replace(run)
	})
}

// detectBase64Payloads decodes candidate substrings and scans the
// plaintext for injection keywords.
func detectBase64Payloads(s string) []string {
	for _, candidate := range base64Candidate.FindAllString(s, -1) {
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(candidate)
		}
		if err != nil || !mostlyPrintable(decoded) {
			continue
		}
		plain := strings.ToLower(string(decoded))
		for _, kw := range base64Keywords {
			if strings.Contains(plain, kw) {
				return []string{"base64_encoded_injection"}
			}
		}
	}
	return nil
}

// scriptDiversity counts distinct Unicode scripts across the letters
// of a prompt and the fraction of non-ASCII runes. Prompts that mix
// five or more scripts are almost always smuggling something.
func scriptDiversity(runes []rune) (int, float64) {
	if len(runes) == 0 {
		return 0, 0
	}
	nonASCII := 0
	for _, r := range runes {
		if r > unicode.MaxASCII {
			nonASCII++
		}
	}
	ratio := float64(nonASCII) / float64(len(runes))
	if ratio <= 0.15 {
		// Mostly-ASCII prompts can't hit the threshold; skip the
		// per-rune script table walk.
		return 0, ratio
	}
	scripts := map[string]bool{}
	for _, r := range runes {
		if !unicode.IsLetter(r) {
			continue
		}
		if r <= unicode.MaxASCII {
			scripts["Latin"] = true
			continue
		}
		for name, table := range unicode.Scripts {
			if name == "Common" || name == "Inherited" {
				continue
			}
			if unicode.Is(table, r) {
				scripts[name] = true
				break
			}
		}
	}
	return len(scripts), ratio
}

func mostlyPrintable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	printable := 0
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			printable++
		}
	}
	return float64(printable)/float64(len(b)) > 0.9
}
