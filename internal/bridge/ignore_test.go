package bridge

import "testing"

func TestMatcherDirectoryNegation(t *testing.T) {
	m, err := NewMatcher([]string{"build/", "!build/keep.txt"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	if !m.Ignored("build/out.js") {
		t.Error("build/out.js should be ignored")
	}
	if m.Ignored("build/keep.txt") {
		t.Error("build/keep.txt should be re-included by negation")
	}
}

func TestMatcherTable(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{
		{"exact name", []string{"secret.env"}, "secret.env", true},
		{"name in subdir", []string{"secret.env"}, "config/secret.env", true},
		{"anchored only at root", []string{"/secret.env"}, "config/secret.env", false},
		{"anchored at root", []string{"/secret.env"}, "secret.env", true},
		{"star within segment", []string{"*.log"}, "app.log", true},
		{"star not across slash", []string{"*.log"}, "logs/app.log", true}, // unanchored matches basename
		{"star no match", []string{"*.log"}, "app.log.txt", false},
		{"question mark", []string{"file?.txt"}, "file1.txt", true},
		{"question mark one char", []string{"file?.txt"}, "file12.txt", false},
		{"double star", []string{"src/**/test.js"}, "src/a/b/test.js", true},
		{"double star zero dirs", []string{"src/**/test.js"}, "src/test.js", true},
		{"char class", []string{"file[0-9].txt"}, "file5.txt", true},
		{"char class no match", []string{"file[0-9].txt"}, "fileA.txt", false},
		{"dir pattern hits dir itself", []string{"node_modules/"}, "node_modules", true},
		{"dir pattern hits contents", []string{"node_modules/"}, "node_modules/pkg/index.js", true},
		{"dir pattern nested", []string{"node_modules/"}, "web/node_modules/pkg/index.js", true},
		{"last match wins re-exclude", []string{"!keep.txt", "keep.txt"}, "keep.txt", true},
		{"comment and blank skipped", []string{"", "# note", "real.txt"}, "real.txt", true},
		{"no rules", nil, "anything", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMatcher(tt.patterns)
			if err != nil {
				t.Fatalf("NewMatcher(%v): %v", tt.patterns, err)
			}
			if got := m.Ignored(tt.path); got != tt.want {
				t.Errorf("Ignored(%q) with %v = %v, want %v", tt.path, tt.patterns, got, tt.want)
			}
		})
	}
}

func TestMatcherBackslashNormalization(t *testing.T) {
	m, err := NewMatcher([]string{"build/"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	if !m.Ignored(`build\out.js`) {
		t.Error("backslash path should normalize and match")
	}
}

func TestMatcherMalformedClass(t *testing.T) {
	if _, err := NewMatcher([]string{"bad[class"}); err == nil {
		t.Fatal("expected error for unterminated character class")
	}
}
