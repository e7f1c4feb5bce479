package email

import "testing"

func TestConfig_ApplyDefaults(t *testing.T) {
	tests := []struct {
		name     string
		in       Config
		wantPort int
		wantTLS  bool
	}{
		{"empty", Config{}, 993, true},
		{"plaintext port", Config{Port: 143}, 143, false},
		{"explicit tls on 143", Config{Port: 143, TLS: true}, 143, true},
		{"custom port", Config{Port: 1993}, 1993, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.in
			c.ApplyDefaults()
			if c.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", c.Port, tt.wantPort)
			}
			if c.TLS != tt.wantTLS {
				t.Errorf("TLS = %v, want %v", c.TLS, tt.wantTLS)
			}
			if c.Mailbox != DefaultMailbox {
				t.Errorf("Mailbox = %q, want %q", c.Mailbox, DefaultMailbox)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Host: "imap.example.com", Username: "me@example.com", Port: 993}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid config: %v", err)
	}
	if !valid.Configured() {
		t.Error("valid config should report Configured")
	}

	for name, c := range map[string]Config{
		"no host":  {Username: "me", Port: 993},
		"no user":  {Host: "h", Port: 993},
		"bad port": {Host: "h", Username: "me", Port: 70000},
	} {
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
