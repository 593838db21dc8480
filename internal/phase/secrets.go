package phase

import (
	"regexp"
	"sync"
)

// Built-in secret shapes. config secret_patterns extends this set; a
// bad user pattern is skipped rather than failing the scan.
var builtinSecretPatterns = []string{
	`AKIA[0-9A-Z]{16}`,
	`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`,
	`gh[pousr]_[A-Za-z0-9]{36,}`,
	`xox[baprs]-[A-Za-z0-9-]{10,}`,
	`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*["'][^"']{8,}["']`,
}

var (
	secretOnce     sync.Once
	secretCompiled []*regexp.Regexp
)

func compiledBuiltins() []*regexp.Regexp {
	secretOnce.Do(func() {
		for _, p := range builtinSecretPatterns {
			secretCompiled = append(secretCompiled, regexp.MustCompile(p))
		}
	})
	return secretCompiled
}

// ScanSecrets checks added lines against the built-in patterns plus
// extras. It returns the pattern that matched, or "" when clean.
func ScanSecrets(lines []string, extra []string) string {
	res := compiledBuiltins()
	var extras []*regexp.Regexp
	var extraSrc []string
	for _, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		extras = append(extras, re)
		extraSrc = append(extraSrc, p)
	}
	for _, line := range lines {
		for i, re := range res {
			if re.MatchString(line) {
				return builtinSecretPatterns[i]
			}
		}
		for i, re := range extras {
			if re.MatchString(line) {
				return extraSrc[i]
			}
		}
	}
	return ""
}
