package utils

import (
	"strings"
)

// StripInlineComment removes a trailing "# comment" from a directive value.
// A '#' inside quotes is kept.
func StripInlineComment(s string) string {
	inSingle, inDouble := false, false
	for i, ch := range s {
		switch {
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case ch == '#' && !inSingle && !inDouble && i > 0 && (s[i-1] == ' ' || s[i-1] == '\t'):
			return strings.TrimSpace(s[:i])
		}
	}
	return strings.TrimSpace(s)
}

// ShellSplit splits a command line into words, honouring single and double quotes.
// It does not expand variables or globs.
func ShellSplit(line string) []string {
	var tokens []string
	var cur strings.Builder
	inSingle, inDouble, inToken := false, false, false
	for _, ch := range line {
		switch {
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			inToken = true
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			inToken = true
		case (ch == ' ' || ch == '\t') && !inSingle && !inDouble:
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(ch)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// ShellQuote quotes s for safe use as a single bash word.
// Words made only of safe characters are returned unchanged.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, ch := range s {
		if !(ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' ||
			strings.ContainsRune("-_./:=@%+,", ch)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ParseModuleLoad returns the module names loaded by a "module load ..." or "ml ..." line.
// Words after a shell operator ("||", "&&", ";") are ignored.
// Returns nil when the line is not a load command.
func ParseModuleLoad(line string) []string {
	fields := ShellSplit(StripInlineComment(strings.TrimSpace(line)))
	for i, f := range fields {
		if f == "||" || f == "&&" || f == "|" || strings.HasPrefix(f, ";") || f == "{" {
			fields = fields[:i]
			break
		}
		if trimmed, ok := strings.CutSuffix(f, ";"); ok {
			fields = append(fields[:i], trimmed)
			break
		}
	}
	if len(fields) == 0 {
		return nil
	}

	var mods []string
	switch {
	case len(fields) >= 3 && fields[0] == "module" && (fields[1] == "load" || fields[1] == "add"):
		mods = fields[2:]
	case len(fields) >= 2 && fields[0] == "ml":
		// Skip ml subcommands
		switch fields[1] {
		case "purge", "list", "avail", "av", "spider", "unload", "swap":
			return nil
		case "load":
			mods = fields[2:]
		default:
			mods = fields[1:]
		}
	}
	if len(mods) == 0 {
		return nil
	}
	return mods
}
