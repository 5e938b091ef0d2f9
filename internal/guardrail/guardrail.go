// Package guardrail screens raw questions for prompt injection and embedded
// SQL before any planning or classifier work happens.
package guardrail

import (
	"regexp"
	"strings"
	"unicode"

	apperrors "github.com/seanankenbruck/impact-query/internal/errors"
)

// Severity of a finding
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation is one finding. A result is unsafe iff any violation is blocked.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Blocked  bool     `json:"blocked"`
	Evidence string   `json:"evidence,omitempty"`
}

// Signature is a named pattern that produces a violation when it matches
type Signature struct {
	Rule     string
	Severity Severity
	Blocked  bool
	Pattern  *regexp.Regexp
}

const maxEvidence = 80

// Scan runs every signature against text and returns one violation per
// matching rule, in signature order.
func Scan(text string, signatures []Signature) []Violation {
	var violations []Violation
	for _, sig := range signatures {
		loc := sig.Pattern.FindStringIndex(text)
		if loc == nil {
			continue
		}
		match := text[loc[0]:loc[1]]
		violations = append(violations, Violation{
			Rule:     sig.Rule,
			Severity: sig.Severity,
			Blocked:  sig.Blocked,
			Evidence: truncate(strings.TrimSpace(match)),
		})
	}
	return violations
}

func truncate(s string) string {
	if len(s) <= maxEvidence {
		return s
	}
	return s[:maxEvidence] + "..."
}

func blocked(rule string, severity Severity, pattern string) Signature {
	return Signature{Rule: rule, Severity: severity, Blocked: true, Pattern: regexp.MustCompile(pattern)}
}

func warned(rule string, severity Severity, pattern string) Signature {
	return Signature{Rule: rule, Severity: severity, Pattern: regexp.MustCompile(pattern)}
}

// QuestionSignatures are the blocking patterns applied to natural-language input
var QuestionSignatures = []Signature{
	blocked("instruction_override", SeverityCritical,
		`(?i)\b(ignore|disregard|forget|override|bypass)\b.{0,30}\b(previous|prior|above|earlier|all|your|the|any)\b.{0,20}\b(instructions?|rules?|prompts?|directives?|guidelines?|constraints?|restrictions?)\b`),
	blocked("role_manipulation", SeverityHigh,
		`(?i)\b(you are now|act as (an? |the )?(admin|administrator|dba|root|superuser|system|developer|unrestricted)|pretend (to be|you are)|roleplay as|from now on,? you|developer mode|jailbreak|dan mode)\b`),
	blocked("system_prompt_extraction", SeverityHigh,
		`(?i)\b(reveal|show|print|repeat|output|tell me|what is)\b.{0,30}\b(system prompt|your (instructions|prompt|rules)|initial prompt|hidden prompt)\b`),
	blocked("delimiter_injection", SeverityHigh,
		"(?im)(<\\|?(system|im_start|im_end|endoftext)\\|?>|\\[/?(inst|sys)\\]|###\\s*(system|instruction)|^\\s*(system|assistant)\\s*:|```)"),
	blocked("encoding_base64", SeverityHigh,
		`[A-Za-z0-9+/]{40,}={0,2}`),
	blocked("encoding_escape", SeverityHigh,
		`(?i)((\\x[0-9a-f]{2}|\\u[0-9a-f]{4}|%[0-9a-f]{2}|&#x?[0-9a-f]+;)\s*){3,}`),
	blocked("hidden_characters", SeverityHigh,
		`[\x{200B}-\x{200D}\x{2060}\x{FEFF}]`),
	blocked("stacked_statement", SeverityCritical,
		`(?i);\s*(drop|delete|insert|update|alter|create|truncate|grant|revoke|exec(ute)?|merge|copy|attach)\b`),
	blocked("tautology", SeverityCritical,
		`(?i)\b(or|and)\s+(['"]\w*['"]\s*=\s*['"]\w*|\d+\s*=\s*\d+)`),
	blocked("union_select", SeverityCritical,
		`(?i)\bunion\b(\s+all)?\s+select\b`),
	blocked("comment_truncation", SeverityHigh,
		`(['"]\s*(--|#|/\*))|(/\*.*\*/)|(--\s*$)`),
	blocked("time_based_injection", SeverityCritical,
		`(?i)(\bwaitfor\s+delay\b|\bsleep\s*\(|\bpg_sleep\b|\bbenchmark\s*\()`),
	blocked("schema_probe", SeverityHigh,
		`(?i)\b(information_schema|pg_catalog|pg_tables|pg_user|sqlite_master|sys\.(tables|columns|objects)|system\.(tables|columns))\b`),
	blocked("file_io", SeverityCritical,
		`(?i)(\binto\s+(out|dump)file\b|\bload_file\s*\(|\bpg_read_file\b|\blo_(import|export)\b|\bxp_cmdshell\b|\bcopy\b.{0,40}\b(to|from)\s+(program|'/))`),
	blocked("tenant_override", SeverityCritical,
		`(?i)(\b(all|every|other|another)\s+tenants?\b|\b(for|as|of)\s+(company|tenant)\s*(id)?\s*[=:#]\s*\S+|\b(for|as)\s+(company|tenant)\s+['"]\S+['"]|\b(company_id|tenant_id)\b|\b(switch|change|set)\s+(the\s+)?(company|tenant)\b)`),
	// Mentions of other companies warn; answers stay scoped to the caller
	warned("cross_company_reference", SeverityMedium,
		`(?i)\b(all|every|other|another)\s+(compan(y|ies)|organi[sz]ations?)\b`),
}

// DefaultMaxLength is the question length above which a warning is raised
const DefaultMaxLength = 500

// DefaultSpecialCharRatio is the share of non-alphanumeric characters above
// which a warning is raised
const DefaultSpecialCharRatio = 0.3

// Result is the outcome of checking one question
type Result struct {
	Safe       bool        `json:"safe"`
	Violations []Violation `json:"violations,omitempty"`
}

// Blocking returns the violations that reject the question
func (r Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Blocked {
			out = append(out, v)
		}
	}
	return out
}

// Warnings returns the non-blocking violations
func (r Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if !v.Blocked {
			out = append(out, v)
		}
	}
	return out
}

// Err returns a SafetyError when the result is unsafe
func (r Result) Err() error {
	if r.Safe {
		return nil
	}
	return apperrors.NewSafetyError(apperrors.ErrCodeGuardrailBlocked, ToErrorViolations(r.Violations))
}

// ToErrorViolations converts findings for an error payload
func ToErrorViolations(violations []Violation) []apperrors.Violation {
	out := make([]apperrors.Violation, 0, len(violations))
	for _, v := range violations {
		out = append(out, apperrors.Violation{
			Rule:     v.Rule,
			Severity: string(v.Severity),
			Blocked:  v.Blocked,
			Evidence: v.Evidence,
		})
	}
	return out
}

// Guard checks natural-language questions
type Guard struct {
	MaxLength        int
	SpecialCharRatio float64
	Signatures       []Signature
}

// New creates a guard with the standard signatures
func New(maxLength int) *Guard {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Guard{
		MaxLength:        maxLength,
		SpecialCharRatio: DefaultSpecialCharRatio,
		Signatures:       QuestionSignatures,
	}
}

// Check screens a question. An empty question is a validation error; every
// other outcome is reported through the Result.
func (g *Guard) Check(question string) (Result, error) {
	if strings.TrimSpace(question) == "" {
		return Result{}, apperrors.NewValidationError("question", "question cannot be empty")
	}

	violations := Scan(question, g.Signatures)

	if ratio := specialCharRatio(question); ratio > g.SpecialCharRatio {
		violations = append(violations, Violation{
			Rule:     "special_characters",
			Severity: SeverityLow,
			Evidence: "special character ratio above threshold",
		})
	}

	if len([]rune(question)) > g.MaxLength {
		violations = append(violations, Violation{
			Rule:     "excessive_length",
			Severity: SeverityMedium,
			Evidence: "question longer than allowed",
		})
	}

	result := Result{Safe: true, Violations: violations}
	for _, v := range violations {
		if v.Blocked {
			result.Safe = false
			break
		}
	}
	return result, nil
}

func specialCharRatio(s string) float64 {
	var total, special int
	for _, r := range s {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(special) / float64(total)
}
