package build

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/myndhyve/myndhyve-cli/internal/cloud"
)

// issueCap limits how many errors and warnings a single build can
// attach to its record. Anything past the cap is noise; the full
// output is in the chunks.
const issueCap = 50

// Diagnostic line patterns, tried in order. First match wins per line.
var (
	// TypeScript compiler: src/app.ts(10,5): error TS2304: Cannot find name 'x'.
	tsDiagRe = regexp.MustCompile(`^(.+?)\((\d+),(\d+)\): (error|warning) (TS\d+): (.+)$`)

	// Linter table output: 10:5  error  Missing semicolon  semi
	lintRe = regexp.MustCompile(`^\s*(\d+):(\d+)\s+(error|warning)\s+(.+?)\s+(\S+)$`)

	// Vite/Rollup: [vite] Internal server error: something broke
	viteRe = regexp.MustCompile(`^\[vite\].*Error:\s*(.+)$`)

	// Generic compiler/tool output.
	genericErrRe  = regexp.MustCompile(`(?:Error|ERROR):\s*(.+)$`)
	genericWarnRe = regexp.MustCompile(`(?i)warning:?\s+(.+)$`)
)

// diagParser accumulates errors and warnings scanned from build output
// as chunks are formed. Not safe for concurrent use; the executor
// serializes chunk formation.
type diagParser struct {
	errors   []cloud.BuildIssue
	warnings []cloud.BuildIssue
}

// Scan inspects one chunk of output line by line.
func (p *diagParser) Scan(content string) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.scanLine(line)
	}
}

func (p *diagParser) scanLine(line string) {
	if m := tsDiagRe.FindStringSubmatch(line); m != nil {
		issue := cloud.BuildIssue{
			File:    m[1],
			Line:    atoi(m[2]),
			Column:  atoi(m[3]),
			Code:    m[5],
			Message: m[6],
		}
		p.add(issue, m[4] == "warning")
		return
	}

	if m := lintRe.FindStringSubmatch(line); m != nil {
		issue := cloud.BuildIssue{
			Line:    atoi(m[1]),
			Column:  atoi(m[2]),
			Code:    m[5],
			Message: m[4],
		}
		p.add(issue, m[3] == "warning")
		return
	}

	if m := viteRe.FindStringSubmatch(line); m != nil {
		p.add(cloud.BuildIssue{Message: m[1]}, false)
		return
	}

	if m := genericErrRe.FindStringSubmatch(line); m != nil {
		p.add(cloud.BuildIssue{Message: m[1]}, false)
		return
	}

	if m := genericWarnRe.FindStringSubmatch(line); m != nil {
		p.add(cloud.BuildIssue{Message: m[1]}, true)
		return
	}
}

func (p *diagParser) add(issue cloud.BuildIssue, warning bool) {
	if warning {
		if len(p.warnings) < issueCap {
			p.warnings = append(p.warnings, issue)
		}
		return
	}
	if len(p.errors) < issueCap {
		p.errors = append(p.errors, issue)
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
