package bot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/EgorLis/Fishbot/internal/explorer"
)

// сплит с поддержкой кавычек: !revalidate "prestige shop"
var reArg = regexp.MustCompile(`"([^"]*)"|(\S+)`)

func (b *Bot) HandleCommand(ctx context.Context, text string) error {
	fields := splitArgs(text)
	if len(fields) == 0 {
		return nil
	}
	cmd := strings.ToLower(fields[0])

	say := func(s string) { b.say(ctx, s) }

	switch cmd {

	case "!help":
		say(strings.Join([]string{
			"!help",
			"!status",
			"!refresh",
			"!revalidate <command>",
			"!solve [code]",
			"!resolved",
			"!fish start|stop",
			"!explore start|stop",
		}, "\n"))
		return nil

	case "!status":
		say(formatStatus(b.Status(ctx)))
		return nil

	// ---------- EXPLORER ----------
	case "!refresh":
		n, err := b.Refresh(ctx)
		if err != nil {
			var de *explorer.DiscoveryError
			if errors.As(err, &de) && de.Kind == explorer.DiscoveryRateLimited {
				say(fmt.Sprintf("discovery rate limited, using fallback: %d commands", n))
				return nil
			}
			return err
		}
		say(fmt.Sprintf("discovered %d commands", n))
		return nil

	case "!revalidate":
		if len(fields) < 2 {
			return fmt.Errorf("usage: !revalidate <command>")
		}
		name := strings.Join(fields[1:], " ")
		if !b.Revalidate(ctx, name) {
			return fmt.Errorf("command %q is not in the registry", name)
		}
		say(fmt.Sprintf("%s revalidated", name))
		return nil

	case "!explore":
		if len(fields) < 2 {
			return fmt.Errorf("usage: !explore start|stop")
		}
		switch strings.ToLower(fields[1]) {
		case "start":
			b.Explorer.SetEnabled(true)
			say("explorer started")
		case "stop":
			b.Explorer.SetEnabled(false)
			say("explorer stopped")
		default:
			return fmt.Errorf("usage: !explore start|stop")
		}
		return nil

	// ---------- FISHING ----------
	case "!fish":
		if len(fields) < 2 {
			return fmt.Errorf("usage: !fish start|stop")
		}
		switch strings.ToLower(fields[1]) {
		case "start":
			if err := b.SetFishing(true); err != nil {
				return err
			}
			say("fishing started")
		case "stop":
			_ = b.SetFishing(false)
			st := b.Fisher.Stats()
			say(fmt.Sprintf("fishing stopped: casts=%d catches=%d", st.Casts, st.Catches))
		default:
			return fmt.Errorf("usage: !fish start|stop")
		}
		return nil

	// ---------- CAPTCHA ----------
	case "!solve":
		code := ""
		if len(fields) >= 2 {
			code = strings.Join(fields[1:], "")
		}
		if err := b.SubmitCaptcha(ctx, code); err != nil {
			return err
		}
		say("captcha answer sent")
		return nil

	case "!resolved":
		if err := b.ResolveCaptcha(); err != nil {
			return err
		}
		say("captcha marked resolved")
		return nil

	default:
		return fmt.Errorf("unknown command. try !help")
	}
}

func formatStatus(st Status) string {
	stale := 0
	for _, c := range st.Commands {
		if c.Stale {
			stale++
		}
	}
	lines := []string{
		fmt.Sprintf("state: %s | uptime: %s", st.State, st.Uptime),
		fmt.Sprintf("commands: %d (stale %d) | explorer: %s", len(st.Commands), stale, onOff(st.ExplorerEnabled)),
	}
	if lc := st.LastCycle; lc.Outcome != "" {
		lines = append(lines, fmt.Sprintf("last cycle: %s %s (%d entities)", lc.Command, lc.Outcome, lc.Entities))
	}
	lines = append(lines,
		fmt.Sprintf("fishing: %s | casts=%d catches=%d cooldown=%s",
			onOff(st.FishingRunning), st.Fishing.Casts, st.Fishing.Catches, st.Fishing.Estimate),
		fmt.Sprintf("governor: pending=%d cooldown=%s", st.Governor.Pending, st.Governor.Cooldown),
		fmt.Sprintf("captcha: %s", captchaHint(st.Captcha)),
	)
	if p := st.Profile; !p.UpdatedAt.IsZero() {
		lines = append(lines, formatProfile(p))
	}
	for _, t := range st.Schedule {
		lines = append(lines, fmt.Sprintf("schedule: %s every %s, next %s", t.Command, t.Every, t.NextRun.Format(time.TimeOnly)))
	}
	lines = append(lines,
		fmt.Sprintf("db: shop=%d entities=%d catches=%d", st.Store.ShopItems, st.Store.Entities, st.Store.Catches),
	)
	return strings.Join(lines, "\n")
}

func formatProfile(p ProfileStatus) string {
	parts := []string{"profile:"}
	if p.Balance != nil {
		parts = append(parts, fmt.Sprintf("balance=$%d", *p.Balance))
	}
	if p.Level != nil {
		parts = append(parts, fmt.Sprintf("level=%d", *p.Level))
	}
	if p.Biome != "" {
		parts = append(parts, "biome="+p.Biome)
	}
	return strings.Join(parts, " ")
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func splitArgs(s string) []string {
	var out []string
	for _, m := range reArg.FindAllStringSubmatch(s, -1) {
		if m[1] != "" {
			out = append(out, m[1])
		} else {
			out = append(out, m[2])
		}
	}
	return out
}
