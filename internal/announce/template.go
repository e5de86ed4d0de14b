// Package announce reports the device's public IPv6 address to a webhook,
// on a timer and on demand, keeping a short history of attempts.
package announce

import (
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the format of the #{time} placeholder.
const TimeLayout = "2006-01-02 15:04:05"

// Placeholders understood by Render.
const (
	PlaceholderIPv6   = "#{ipv6}"
	PlaceholderSender = "#{sender}" // legacy alias of #{ipv6}
	PlaceholderPort   = "#{port}"
	PlaceholderLink   = "#{link}"
	PlaceholderTime   = "#{time}"
)

// TemplateContext is the data substituted into a body template.
type TemplateContext struct {
	Address string
	Ports   []int // public ports of enabled rules, in rule order
	Now     time.Time
}

// Render substitutes the known placeholders in tmpl. Replacement is literal
// and each placeholder is expanded repeatedly until no occurrence remains,
// so "#{#{port}}" with no ports collapses to "port". Unknown placeholders
// stay verbatim.
func Render(tmpl string, c TemplateContext) string {
	out := replaceUntilGone(tmpl, PlaceholderIPv6, c.Address)
	out = replaceUntilGone(out, PlaceholderSender, c.Address)
	out = replaceUntilGone(out, PlaceholderPort, portList(c.Ports))
	out = replaceUntilGone(out, PlaceholderLink, linkList(c.Address, c.Ports))
	out = replaceUntilGone(out, PlaceholderTime, c.Now.Format(TimeLayout))
	return out
}

// replaceUntilGone replaces old with val until s no longer contains old.
// A value that contains old itself is substituted in a single pass.
func replaceUntilGone(s, old, val string) string {
	if strings.Contains(val, old) {
		return strings.ReplaceAll(s, old, val)
	}
	for strings.Contains(s, old) {
		s = strings.ReplaceAll(s, old, val)
	}
	return s
}

func portList(ports []int) string {
	if len(ports) == 0 {
		return "port"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// linkList joins "[addr]:port" entries with a literal backslash-n so the
// result can sit inside a JSON string.
func linkList(addr string, ports []int) string {
	if len(ports) == 0 {
		return "[" + addr + "]:port"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = "[" + addr + "]:" + strconv.Itoa(p)
	}
	return strings.Join(parts, `\n`)
}
