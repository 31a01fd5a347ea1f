package telegram

import "testing"

func TestRecipient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		target string
		want   string
		ok     bool
	}{
		{target: "123456", want: "123456", ok: true},
		{target: "-1001234", want: "-1001234", ok: true},
		{target: "@somechannel", want: "@somechannel", ok: true},
		{target: "not-a-chat", ok: false},
		{target: "", ok: false},
	}
	for _, tt := range tests {
		rec, err := recipient(tt.target)
		if tt.ok != (err == nil) {
			t.Fatalf("recipient(%q) err = %v, want ok=%v", tt.target, err, tt.ok)
		}
		if err == nil && rec.Recipient() != tt.want {
			t.Fatalf("recipient(%q) = %q, want %q", tt.target, rec.Recipient(), tt.want)
		}
	}
}
