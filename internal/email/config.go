package email

import "fmt"

// DefaultMailbox is the only mailbox the poller reads.
const DefaultMailbox = "INBOX"

// Config holds the IMAP connection parameters. It is embedded in the
// top-level config under the "mail" YAML key.
type Config struct {
	// Host is the IMAP server hostname (e.g., "imap.gmail.com").
	Host string `yaml:"host"`

	// Port is the IMAP server port. Default: 993 (IMAPS).
	Port int `yaml:"port"`

	// Username is the login name, typically the email address.
	Username string `yaml:"username"`

	// Password is the login password or app password. Supports
	// environment variable expansion (e.g., ${GMAIL_APP_PASSWORD}).
	Password string `yaml:"password"`

	// TLS enables implicit TLS. Default: true unless Port is 143.
	TLS bool `yaml:"tls"`

	// InsecureSkipVerify disables certificate verification for
	// servers with self-signed certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Mailbox is the folder to poll. Default: INBOX.
	Mailbox string `yaml:"mailbox"`
}

// Configured reports whether the minimum fields are set.
func (c Config) Configured() bool {
	return c.Host != "" && c.Username != ""
}

// ApplyDefaults fills zero-value fields. TLS is forced on for every
// port except the plaintext convention 143, since a bool cannot tell
// "unset" from "false".
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 993
	}
	if !c.TLS && c.Port != 143 {
		c.TLS = true
	}
	if c.Mailbox == "" {
		c.Mailbox = DefaultMailbox
	}
}

// Validate returns an error describing the first problem found.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("mail.host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("mail.username is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("mail.port %d out of range (1-65535)", c.Port)
	}
	return nil
}
