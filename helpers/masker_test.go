package helpers

import "testing"

func TestMaskSensitive(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"PASS is redacted", "PASS hunter2", "PASS [REDACTED]"},
		{"PASS lowercase", "pass hunter2", "pass [REDACTED]"},
		{"PASS with spaces in secret", "PASS correct horse battery", "PASS [REDACTED]"},
		{"AUTH initial response", "AUTH PLAIN AGFsaWNlAHNlY3JldA==", "AUTH PLAIN [REDACTED]"},
		{"AUTH without initial response", "AUTH PLAIN", "AUTH PLAIN"},
		{"USER untouched", "USER alice", "USER alice"},
		{"RETR untouched", "RETR 1", "RETR 1"},
		{"bare PASS", "PASS", "PASS"},
		{"empty line", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaskSensitive(tt.line, "PASS", "AUTH")
			if got != tt.want {
				t.Errorf("MaskSensitive(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}
