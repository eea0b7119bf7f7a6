package config

import (
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// ParseWorldVariables parses a world's free-form Variables text as .env
// grammar (spec §4.C9 PREPARE step 1): "KEY=value" lines, "#" comments
// and blank lines ignored, malformed lines dropped, last key wins.
// godotenv.Unmarshal already implements exactly this grammar; malformed
// lines are skipped individually by scanning line-by-line first since
// Unmarshal aborts the whole parse on the first unparsable line, which
// does not match the spec's "malformed lines dropped" (rest still
// parsed) requirement.
func ParseWorldVariables(raw string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		parsed, err := godotenv.Unmarshal(line)
		if err != nil {
			continue // malformed line: dropped, not fatal
		}
		for k, v := range parsed {
			if k == "" {
				continue // a line with no '=' parses to an empty key: malformed, dropped
			}
			out[k] = v // last key wins: later lines overwrite earlier ones
		}
	}
	return out
}

var templateVar = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// SubstituteTemplate replaces every "{{ key }}" (optional inner
// whitespace) occurrence in template with vars[key]. Undefined keys
// expand to the empty string. undefined, if non-nil, is appended with
// the name of every key referenced but not found in vars, for the
// orchestrator's debug-level substitution diagnostics.
func SubstituteTemplate(template string, vars map[string]string, undefined *[]string) string {
	seen := make(map[string]bool)
	return templateVar.ReplaceAllStringFunc(template, func(match string) string {
		name := templateVar.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		if undefined != nil && !seen[name] {
			seen[name] = true
			*undefined = append(*undefined, name)
		}
		return ""
	})
}
