package language

import "testing"

func TestAnalyze(t *testing.T) {
	tests := []struct {
		lang, code string
		suspicious bool
		reason     string
	}{
		{"python", "print('hi')", false, ""},
		{"python", "import os\nos.system('ls')", true, "OS module import"},
		{"python", "while True:\n    pass", true, "Potential infinite loop"},
		{"python", "data = open('/etc/passwd').read()", true, "File system access attempt"},
		{"javascript", "console.log(1)", false, ""},
		{"javascript", "require('child_process').exec('ls')", true, "Potential child_process module usage"},
		{"javascript", "for (;;) {}", true, "Potential infinite loop"},
		{"JavaScript", "eval('1+1')", true, "Potential eval() usage"},
		{"ruby", "loop do end", false, ""},
	}

	for _, tt := range tests {
		r := Analyze(tt.lang, tt.code)
		if r.Suspicious != tt.suspicious {
			t.Errorf("Analyze(%q, %q).Suspicious = %v, want %v", tt.lang, tt.code, r.Suspicious, tt.suspicious)
			continue
		}
		if tt.reason != "" && !contains(r.Reasons, tt.reason) {
			t.Errorf("Analyze(%q, %q) reasons %v missing %q", tt.lang, tt.code, r.Reasons, tt.reason)
		}
	}
}

func TestAnalyzeDeduplicatesReasons(t *testing.T) {
	r := Analyze("javascript", "while(true){}\nfor(;;){}")
	n := 0
	for _, reason := range r.Reasons {
		if reason == "Potential infinite loop" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("expected one infinite loop reason, got %d in %v", n, r.Reasons)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
