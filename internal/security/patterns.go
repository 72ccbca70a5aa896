// Package security implements the layered input/output defenses that sit
// between a messaging transport and the coaching agent: text normalization,
// injection detection, sensitive-data redaction, rate limiting, conversation
// escalation tracking and output leak filtering.
package security

import "regexp"

// Pattern pairs a compiled expression with the tag reported when it matches.
type Pattern struct {
	Tag   string
	Regex *regexp.Regexp
}

func mustPattern(tag, expr string) Pattern {
	return Pattern{Tag: tag, Regex: regexp.MustCompile(expr)}
}

// firstMatch evaluates an ordered table and returns the first pattern that
// matches text. Table order is the precedence order.
func firstMatch(table []Pattern, text string) (Pattern, bool) {
	for _, p := range table {
		if p.Regex.MatchString(text) {
			return p, true
		}
	}
	return Pattern{}, false
}

// disagreementPatterns express user pushback. They are checked before any
// danger pattern and always win.
var disagreementPatterns = []Pattern{
	mustPattern("dont_have", `(?i)i\s+don'?t\s+have`),
	mustPattern("dont_own", `(?i)i\s+don'?t\s+own`),
	mustPattern("thats_not", `(?i)that'?s\s+not`),
	mustPattern("who_said", `(?i)who\s+said`),
	mustPattern("never_said", `(?i)i\s+never\s+said`),
	mustPattern("leading_no", `(?i)^no[,.\s]`),
	mustPattern("leading_wrong", `(?i)^wrong`),
	mustPattern("not_the_problem", `(?i)that'?s\s+not\s+the\s+problem`),
	mustPattern("not_what_i_meant", `(?i)not\s+what\s+i\s+(meant|said)`),
	mustPattern("youre_wrong", `(?i)you'?re\s+(wrong|mistaken)`),
	mustPattern("thats_incorrect", `(?i)that'?s\s+incorrect`),
	mustPattern("didnt_say", `(?i)i\s+didn'?t\s+say`),
}

// overridePatterns are direct instruction-override and role-hijack phrasings.
var overridePatterns = []Pattern{
	mustPattern("ignore_previous_instructions", `(?i)ignore\s+(all\s+)?previous\s+instructions?`),
	mustPattern("disregard_instructions", `(?i)disregard\s+(all\s+)?(your\s+)?(previous\s+)?instructions?`),
	mustPattern("forget_rules", `(?i)forget\s+(all\s+)?(your\s+)?rules`),
	mustPattern("you_are_now", `(?i)you\s+are\s+now\s+`),
	mustPattern("act_as", `(?i)act\s+as\s+(if\s+)?(you\s+)?(are\s+|were\s+)?`),
	mustPattern("pretend", `(?i)pretend\s+(you\s+)?(are\s+|to\s+be\s+)`),
	mustPattern("roleplay_as", `(?i)roleplay\s+as`),
	mustPattern("simulate", `(?i)simulate\s+`),
	mustPattern("system_override", `(?i)system\s+(prompt|override|mode|instruction)`),
	mustPattern("developer_mode", `(?i)developer\s+mode`),
	mustPattern("admin_mode", `(?i)admin\s+(mode|access|override)`),
	mustPattern("jailbreak", `(?i)jailbreak`),
	mustPattern("bypass_safety", `(?i)bypass\s+(safety|restrictions?|filters?)`),
	mustPattern("output_without_filter", `(?i)output\s+without\s+filter`),
	mustPattern("unrestricted_mode", `(?i)unrestricted\s+mode`),
	mustPattern("new_persona", `(?i)new\s+persona`),
	mustPattern("new_instructions", `(?i)new\s+instructions?`),
	mustPattern("dan", `(?i)\bdan\b`),
	mustPattern("canary", `(?i)security_canary`),
}

// obfuscationPatterns indicate an attempt to smuggle instructions in an encoding.
var obfuscationPatterns = []Pattern{
	mustPattern("base64", `(?i)base64`),
	mustPattern("decode_this", `(?i)decode\s+this`),
	mustPattern("hex_encode", `(?i)hex\s+encode`),
	mustPattern("rot13", `(?i)rot13`),
}

// sensitivePatterns are secret-shaped substrings. Tag is the redaction kind.
var sensitivePatterns = []Pattern{
	mustPattern("SSN", `\b\d{3}-\d{2}-\d{4}\b`),
	mustPattern("CARD", `\b\d{16}\b`),
	mustPattern("CARD", `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
	mustPattern("PASSWORD", `(?i)password[:\s]+\S+`),
	mustPattern("API_KEY", `(?i)api[_\s]?key[:\s]+\S+`),
}

// leakPatterns flag agent replies that talk about their own instructions.
var leakPatterns = []Pattern{
	mustPattern("system_prompt", `(?i)system\s+prompt`),
	mustPattern("my_instructions", `(?i)my\s+instructions`),
	mustPattern("was_told_to", `(?i)i\s+was\s+(told|instructed|programmed)\s+to`),
	mustPattern("my_programming", `(?i)my\s+programming`),
	mustPattern("my_rules", `(?i)my\s+rules\s+(say|are)`),
	mustPattern("cannot_reveal", `(?i)i\s+cannot\s+reveal`),
	mustPattern("canary", `(?i)security_canary`),
	mustPattern("redaction_marker", `(?i)\[redacted`),
}
