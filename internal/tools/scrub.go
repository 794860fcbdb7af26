package tools

import "regexp"

// credentialPatterns matches common secret shapes that might leak into tool
// output (env dumps, exec output, file reads) before it reaches the LLM.
var fullMatchPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsk-ant-[a-zA-Z0-9_-]{10,}\b`),
	regexp.MustCompile(`(?i)\bsk-[a-zA-Z0-9]{20,}\b`),
	regexp.MustCompile(`(?i)\bBearer\s+[a-zA-Z0-9._-]{10,}`),
	regexp.MustCompile(`(?i)\b(?:ghp_[a-zA-Z0-9]{30,}|gho_[a-zA-Z0-9]{30,}|github_pat_[a-zA-Z0-9_]{30,})\b`),
	regexp.MustCompile(`(?i)\bxox[baprs]-[a-zA-Z0-9-]{10,}\b`),
	regexp.MustCompile(`\b[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]{10,}\b`), // JWT-shaped
	regexp.MustCompile(`://[^/\s:@]+:[^/\s:@]+@`),                              // URL userinfo
}

// prefixCapturePatterns keep their first capture group (the key name and
// separator) and redact only the value that follows it.
var prefixCapturePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)([a-z_]*(?:api[_-]?key|secret|token|password)[a-z_]*\s*[:=]\s*)["']?[^\s"']{8,}["']?`),
}

const redactedPlaceholder = "[REDACTED]"

// ScrubCredentials replaces recognizable secret shapes in s with a
// placeholder before the content is handed to the LLM or logged.
func ScrubCredentials(s string) string {
	for _, re := range fullMatchPatterns {
		s = re.ReplaceAllString(s, redactedPlaceholder)
	}
	for _, re := range prefixCapturePatterns {
		s = re.ReplaceAllString(s, "${1}"+redactedPlaceholder)
	}
	return s
}
