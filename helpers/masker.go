package helpers

import "strings"

// MaskSensitive redacts credentials from a POP3 command line before it is
// logged. The command is the first word of the line. For PASS everything
// after the keyword is redacted; for AUTH the mechanism name is kept and an
// initial response, if any, is redacted.
func MaskSensitive(line string, sensitiveCommands ...string) string {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return line
	}
	command := parts[0]

	isSensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			isSensitive = true
			break
		}
	}
	if !isSensitive {
		return line
	}

	keep := 2
	if strings.EqualFold(command, "PASS") {
		keep = 1
	}
	if len(parts) > keep {
		return strings.Join(parts[:keep], " ") + " [REDACTED]"
	}
	// e.g. "AUTH PLAIN" with the response following on the next line.
	return line
}
