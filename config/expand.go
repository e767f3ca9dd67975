package config

import (
	"os"
	"strings"
)

// ExpandPercentVars expands %NAME% occurrences of environment variables in
// s (§3, §6). Unlike os.ExpandEnv's $NAME/${NAME} syntax, this walks
// %-delimited tokens; an unmatched or unknown %NAME% is left untouched
// rather than replaced with an empty string, so a malformed or unset
// reference is visible in the expanded string instead of disappearing.
func ExpandPercentVars(s string) string {
	var b strings.Builder
	for {
		start := strings.IndexByte(s, '%')
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.IndexByte(s[start+1:], '%')
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start + 1

		name := s[start+1 : end]
		if name == "" {
			// "%%" — literal percent, keep as-is and advance past it.
			b.WriteString(s[:end+1])
			s = s[end+1:]
			continue
		}

		if val, ok := os.LookupEnv(name); ok {
			b.WriteString(s[:start])
			b.WriteString(val)
		} else {
			b.WriteString(s[:end+1])
		}
		s = s[end+1:]
	}
	return b.String()
}

// ExpandProcess expands %NAME% occurrences in FileName, Arguments, and
// WorkingDirectory. Called at launch time, not load time, so configured
// values remain inspectable un-expanded (§3, §6).
func ExpandProcess(p *ProcessConfig) ProcessConfig {
	out := *p
	out.FileName = ExpandPercentVars(p.FileName)
	out.WorkingDirectory = ExpandPercentVars(p.WorkingDirectory)
	out.Arguments = make([]string, len(p.Arguments))
	for i, a := range p.Arguments {
		out.Arguments[i] = ExpandPercentVars(a)
	}
	return out
}
