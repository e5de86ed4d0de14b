package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"grimm.is/v6tunnel/internal/config"
)

// RunCheck validates the daemon config file and prints the effective
// settings. A missing file is reported, not treated as the defaults.
func RunCheck(w io.Writer, configFile string, verbose bool) error {
	if configFile == "" {
		return fmt.Errorf("usage: v6tunnel check [-v] <config-file>")
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := config.LoadHCL(data, configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Fprintln(w, StyleGood.Render("Configuration valid!"))
	if verbose {
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderEffectiveConfig(cfg))
	}
	return nil
}

func renderEffectiveConfig(cfg *config.Config) string {
	label := lipgloss.NewStyle().Foreground(ColorDeep).Width(18)
	line := func(k, v string) string { return label.Render(k) + v }

	maxConns := strconv.Itoa(cfg.Tunnel.MaxConns())
	if cfg.Tunnel.MaxConns() == 0 {
		maxConns = "unlimited"
	}
	iface := cfg.Tunnel.Interface
	if iface == "" {
		iface = "(any)"
	}
	syslog := "off"
	if s := cfg.Log.Syslog; s != nil {
		syslog = fmt.Sprintf("%s %s:%d", s.Protocol, s.Host, s.Port)
	}

	lines := []string{
		StyleTitle.Render("Effective configuration"),
		"",
		line("API listen:", cfg.Listen),
		line("Database:", cfg.DatabasePath),
		line("Log level:", cfg.Log.Level),
		line("Syslog:", syslog),
		line("Firewall:", cfg.Firewall.Backend),
		line("Listen host:", cfg.Tunnel.ListenHost),
		line("Backend host:", cfg.Tunnel.BackendHost),
		line("Dial timeout:", cfg.Tunnel.DialTimeout),
		line("Settle delay:", cfg.Tunnel.SettleDelay),
		line("Start stagger:", cfg.Tunnel.StartStagger),
		line("Max conns:", maxConns),
		line("Interface:", iface),
		line("Retry:", fmt.Sprintf("%d x %s", cfg.Announce.MaxAttempts, cfg.Announce.RetryDelay)),
		line("Webhook timeout:", cfg.Announce.Timeout),
		line("Require 2xx:", strconv.FormatBool(cfg.Announce.Require2xx)),
		line("Metrics:", strconv.FormatBool(cfg.Metrics.Enabled)),
	}
	return StyleCard.Render(strings.Join(lines, "\n"))
}
