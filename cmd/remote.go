package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"grimm.is/v6tunnel/internal/brand"
	"grimm.is/v6tunnel/internal/client"
	"grimm.is/v6tunnel/internal/state"
)

// remoteFlags are shared by every command that talks to the daemon.
type remoteFlags struct {
	addr    string
	timeout time.Duration
}

func newRemoteFlagSet(name string) (*flag.FlagSet, *remoteFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	rf := &remoteFlags{}
	def := os.Getenv(brand.ConfigEnvPrefix + "_API")
	if def == "" {
		def = brand.DefaultAPIListen
	}
	fs.StringVar(&rf.addr, "remote", def, "Daemon API address")
	fs.StringVar(&rf.addr, "r", def, "Daemon API address (short)")
	fs.DurationVar(&rf.timeout, "timeout", 30*time.Second, "Request timeout")
	return fs, rf
}

func (rf *remoteFlags) client() *client.HTTPClient {
	return client.NewHTTPClient(rf.addr, client.WithTimeout(rf.timeout))
}

// RunStatus prints the tunnel status.
func RunStatus(w io.Writer, args []string) error {
	fs, rf := newRemoteFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := rf.client().Status(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintln(w, renderStatus(st))
	return nil
}

// RunProxyAction runs start, stop or restart against the daemon.
func RunProxyAction(w io.Writer, action string, args []string) error {
	fs, rf := newRemoteFlagSet(action)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := rf.client()
	ctx := context.Background()

	var err error
	switch action {
	case "start":
		err = c.Start(ctx)
	case "stop":
		err = c.Stop(ctx)
	case "restart":
		err = c.Restart(ctx)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return err
	}

	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, renderStatus(st))
	return nil
}

// RunSend queues a retrying announcement.
func RunSend(w io.Writer, args []string) error {
	fs, rf := newRemoteFlagSet("send")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := rf.client().Send(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(w, "Announcement queued. Check progress with: "+brand.LowerName+" logs")
	return nil
}

// RunTest sends one announcement and prints the outcome.
func RunTest(w io.Writer, args []string) error {
	fs, rf := newRemoteFlagSet("test")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entry, err := rf.client().Test(context.Background())
	if err != nil {
		return err
	}

	result := StyleGood.Render("delivered")
	if !entry.Result {
		result = StyleBad.Render("failed")
	}
	lines := []string{
		StyleTitle.Render("Test announcement"),
		"",
		StyleLabel.Render("Result:") + result,
		StyleLabel.Render("Address:") + entry.IPv6Addr,
		StyleLabel.Render("Body:") + entry.Content,
		StyleLabel.Render("Response:") + entry.Response,
	}
	fmt.Fprintln(w, StyleCard.Render(strings.Join(lines, "\n")))
	if !entry.Result {
		return fmt.Errorf("webhook did not accept the announcement")
	}
	return nil
}

// RunLogs prints recent announcement attempts.
func RunLogs(w io.Writer, args []string) error {
	fs, rf := newRemoteFlagSet("logs")
	limit := fs.Int("n", 10, "Number of entries (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entries, err := rf.client().Logs(context.Background(), *limit)
	if err != nil {
		return err
	}
	fmt.Fprint(w, renderLogs(entries))
	return nil
}

// RunSummary prints the forwarding summary.
func RunSummary(w io.Writer, args []string) error {
	fs, rf := newRemoteFlagSet("summary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text, err := rf.client().Summary(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprint(w, text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(w)
	}
	return nil
}

// RunRules manages forwarding rules.
func RunRules(w io.Writer, args []string) error {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}

	fs, rf := newRemoteFlagSet("rules " + sub)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := rf.client()
	ctx := context.Background()
	pos := fs.Args()

	switch sub {
	case "list", "ls":
		rules, err := c.ListRules(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(w, renderRules(rules))
		return nil

	case "add":
		nums, err := intArgs(pos, 2, "rules add <local-port> <remote-port>")
		if err != nil {
			return err
		}
		id, err := c.AddRule(ctx, nums[0], nums[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Added rule %d: [::]:%d -> local %d\n", id, nums[1], nums[0])
		fmt.Fprintln(w, StyleMuted.Render("Restart the proxy to apply."))
		return nil

	case "update":
		nums, err := intArgs(pos, 3, "rules update <id> <local-port> <remote-port>")
		if err != nil {
			return err
		}
		rule, err := findRule(ctx, c, int64(nums[0]))
		if err != nil {
			return err
		}
		rule.LocalPort, rule.RemotePort = nums[1], nums[2]
		if err := c.UpdateRule(ctx, rule); err != nil {
			return err
		}
		fmt.Fprintf(w, "Updated rule %d\n", rule.ID)
		return nil

	case "enable", "disable":
		nums, err := intArgs(pos, 1, "rules "+sub+" <id>")
		if err != nil {
			return err
		}
		rule, err := findRule(ctx, c, int64(nums[0]))
		if err != nil {
			return err
		}
		rule.Enabled = sub == "enable"
		if err := c.UpdateRule(ctx, rule); err != nil {
			return err
		}
		fmt.Fprintf(w, "Rule %d %sd\n", rule.ID, sub)
		return nil

	case "delete", "rm":
		nums, err := intArgs(pos, 1, "rules delete <id>")
		if err != nil {
			return err
		}
		if err := c.DeleteRule(ctx, int64(nums[0])); err != nil {
			return err
		}
		fmt.Fprintf(w, "Deleted rule %d\n", nums[0])
		return nil
	}
	return fmt.Errorf("unknown rules subcommand %q (list, add, update, enable, disable, delete)", sub)
}

func findRule(ctx context.Context, c *client.HTTPClient, id int64) (state.ProxyRule, error) {
	rules, err := c.ListRules(ctx)
	if err != nil {
		return state.ProxyRule{}, err
	}
	for _, r := range rules {
		if r.ID == id {
			return r, nil
		}
	}
	return state.ProxyRule{}, fmt.Errorf("rule %d not found", id)
}

func intArgs(args []string, n int, usage string) ([]int, error) {
	if len(args) != n {
		return nil, fmt.Errorf("usage: %s %s", brand.LowerName, usage)
	}
	out := make([]int, n)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", a)
		}
		out[i] = v
	}
	return out, nil
}

// RunConfig shows or edits the proxy configuration. Only flags given on
// the command line are changed by "config set".
func RunConfig(w io.Writer, args []string) error {
	sub := "show"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}

	fs, rf := newRemoteFlagSet("config " + sub)
	enabled := fs.Bool("enabled", false, "Enable forwarding")
	autoStart := fs.Bool("auto-start", false, "Start forwarding at boot (implies --enabled)")
	sendEnabled := fs.Bool("send", false, "Enable periodic announcements")
	interval := fs.Int("interval", 0, "Announcement interval in minutes (0 = manual only)")
	url := fs.String("url", "", "Webhook URL")
	body := fs.String("body", "", "Webhook body template")
	headers := fs.String("headers", "", "Webhook headers, one \"Name: value\" per line")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c := rf.client()
	ctx := context.Background()

	cfg, err := c.GetConfig(ctx)
	if err != nil {
		return err
	}

	switch sub {
	case "show":
		fmt.Fprintln(w, renderConfig(cfg))
		return nil
	case "set":
	default:
		return fmt.Errorf("unknown config subcommand %q (show, set)", sub)
	}

	changed := 0
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "enabled":
			cfg.Enabled = *enabled
		case "auto-start":
			cfg.AutoStart = *autoStart
		case "send":
			cfg.SendEnabled = *sendEnabled
		case "interval":
			cfg.SendIntervalMinutes = *interval
		case "url":
			cfg.WebhookURL = *url
		case "body":
			cfg.WebhookBody = *body
		case "headers":
			cfg.WebhookHeaders = strings.ReplaceAll(*headers, `\n`, "\n")
		default:
			return
		}
		changed++
	})
	if changed == 0 {
		return fmt.Errorf("config set: no settings given")
	}

	saved, err := c.SetConfig(ctx, *cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, renderConfig(saved))
	return nil
}
