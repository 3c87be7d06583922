package language

import (
	"regexp"
	"strings"
)

type pattern struct {
	re     *regexp.Regexp
	reason string
}

var suspiciousPatterns = map[string][]pattern{
	"javascript": {
		{regexp.MustCompile(`(?i)\beval\s*\(`), "Potential eval() usage"},
		{regexp.MustCompile(`(?i)\bchild_process\b`), "Potential child_process module usage"},
		{regexp.MustCompile(`(?i)\bprocess\.binding\b`), "Low-level Node.js bindings usage"},
		{regexp.MustCompile(`(?i)\brequire\s*\(\s*['"]fs['"]\)`), "File system access attempt"},
		{regexp.MustCompile(`(?i)while\s*\(\s*true\s*\)`), "Potential infinite loop"},
		{regexp.MustCompile(`(?i)for\s*\(\s*;;\s*\)`), "Potential infinite loop"},
		{regexp.MustCompile(`(?i)\bprocess\.exit\b`), "Process termination attempt"},
		{regexp.MustCompile(`(?i)\bglobal\.\w+\s*=`), "Global object modification"},
		{regexp.MustCompile(`(?i)\bprocess\.env\b`), "Environment variables access"},
		{regexp.MustCompile(`(?i)\bcrypto\.generateKeyPair`), "CPU-intensive crypto operations"},
	},
	"python": {
		{regexp.MustCompile(`(?i)\bimport\s+os\b`), "OS module import"},
		{regexp.MustCompile(`(?i)\bimport\s+sys\b`), "System module import"},
		{regexp.MustCompile(`(?i)\bimport\s+subprocess\b`), "Subprocess module import"},
		{regexp.MustCompile(`(?i)\bopen\s*\(`), "File system access attempt"},
		{regexp.MustCompile(`(?i)\bwhile\s+True\b`), "Potential infinite loop"},
		{regexp.MustCompile(`(?i)\bfor\s+.*\s+in\s+iter\(int, 1\)`), "Potential infinite loop"},
		{regexp.MustCompile(`(?i)\bimport\s+socket\b`), "Network access attempt"},
		{regexp.MustCompile(`(?i)\bimport\s+requests\b`), "HTTP request attempt"},
		{regexp.MustCompile(`(?i)\bexec\s*\(`), "Code execution attempt"},
		{regexp.MustCompile(`(?i)\beval\s*\(`), "Code evaluation attempt"},
	},
}

// Report is the result of a suspicious-code scan. It is advisory: the
// container limits are what actually contain the program.
type Report struct {
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Analyze scans code for patterns that commonly indicate escape attempts or
// runaway programs. Languages without a pattern list are never suspicious.
func Analyze(lang, code string) Report {
	var reasons []string
	seen := make(map[string]bool)
	for _, p := range suspiciousPatterns[strings.ToLower(lang)] {
		if p.re.MatchString(code) && !seen[p.reason] {
			seen[p.reason] = true
			reasons = append(reasons, p.reason)
		}
	}
	return Report{Suspicious: len(reasons) > 0, Reasons: reasons}
}
