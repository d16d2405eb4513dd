package mcp

import "regexp"

// Redacted replaces credential-bearing values before a record is logged or
// returned to a client.
const Redacted = "***REDACTED***"

var sensitiveKeyRe = regexp.MustCompile(`(?i)(api[-_]?key|secret|password|token|auth|credential|authorization)`)

// RedactRecord returns a copy of rec with sensitive header and env values
// masked. The original record is untouched.
func RedactRecord(rec Record) Record {
	out := rec
	out.ServerDef = RedactDef(rec.ServerDef)
	return out
}

// RedactDef masks sensitive values in a definition copy.
func RedactDef(def ServerDef) ServerDef {
	out := def.Clone()
	for k := range out.Headers {
		if sensitiveKeyRe.MatchString(k) {
			out.Headers[k] = Redacted
		}
	}
	for k := range out.Env {
		if sensitiveKeyRe.MatchString(k) {
			out.Env[k] = Redacted
		}
	}
	return out
}
