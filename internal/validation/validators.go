// Package validation checks operator input before it reaches the store or
// the tunnel engine. Failures are reported as *ConfigError.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// Valid interface name: alphanumeric, dash, underscore, dot (for VLANs), max 15 chars
	interfaceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,15}$`)

	// Valid identifier: alphanumeric, dash, underscore
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// RFC 7230 token characters for header names
	headerNameRegex = regexp.MustCompile("^[!#$%&'*+.^_`|~0-9A-Za-z-]+$")
)

// ConfigError is a synchronous rejection of invalid input.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ValidatePortNumber validates a port number.
func ValidatePortNumber(port int) error {
	return ValidatePort("port", port)
}

// ValidatePort validates a named port field.
func ValidatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return &ConfigError{Field: field, Value: port, Reason: "must be 1-65535"}
	}
	return nil
}

// ValidateRulePorts validates both sides of a forwarding rule.
func ValidateRulePorts(localPort, remotePort int) error {
	if err := ValidatePort("local_port", localPort); err != nil {
		return err
	}
	return ValidatePort("remote_port", remotePort)
}

// ValidateWebhookURL requires an absolute http or https URL.
func ValidateWebhookURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ConfigError{Field: "webhook_url", Reason: "required when sending is enabled"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigError{Field: "webhook_url", Value: raw, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigError{Field: "webhook_url", Value: raw, Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ConfigError{Field: "webhook_url", Value: raw, Reason: "missing host"}
	}
	return nil
}

// ValidateHeaderLines checks newline-separated "Name: Value" lines. Blank
// lines are allowed; lines without a colon are skipped at send time, but a
// colon-bearing line must carry a valid header name.
func ValidateHeaderLines(block string) error {
	for i, line := range strings.Split(block, "\n") {
		line = strings.TrimLeft(strings.TrimRight(line, "\r"), " ")
		if line == "" {
			continue
		}
		name, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !headerNameRegex.MatchString(strings.TrimSpace(name)) {
			return &ConfigError{Field: "webhook_headers", Value: fmt.Sprintf("line %d", i+1), Reason: fmt.Sprintf("invalid header name %q", name)}
		}
	}
	return nil
}

// ValidateInterfaceName validates a network interface name.
func ValidateInterfaceName(name string) error {
	if name == "" {
		return fmt.Errorf("interface name cannot be empty")
	}
	if len(name) > 15 {
		return fmt.Errorf("interface name too long (max 15 characters): %s", name)
	}
	if !interfaceNameRegex.MatchString(name) {
		return fmt.Errorf("invalid interface name: %s (must be alphanumeric with -_.)", name)
	}
	return nil
}

// ValidateIdentifier validates a table or chain name.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > 255 {
		return fmt.Errorf("identifier too long (max 255 characters)")
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s (must be alphanumeric with -_)", id)
	}
	return nil
}
