package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/EgorLis/Fishbot/internal/transport"
)

// Сигналы игры для рыбалки и капчи. Разбираются по сырому тексту: эмодзи
// в уловах — часть шаблона.
var (
	// 3 <:salmon:123> Salmon
	catchRe = regexp.MustCompile(`(\d+)\s+<:[^>]+>\s+([\w\s]+)`)
	// +37,129 XP
	xpRe = regexp.MustCompile(`\+([\d,]+)\s+XP`)
	// Balance: **$3,548**
	balanceRe = regexp.MustCompile(`Balance: \*\*\$([\d,]+)\*\*`)
	levelRe   = regexp.MustCompile(`Level (\d+)`)
	biomeRe   = regexp.MustCompile(`Current Biome: .* \*\*([\w\s]+)\*\*`)
	// You must wait **2.5**s
	cooldownWaitRe = regexp.MustCompile(`You must wait \*\*([\d\.]+)\*\*s`)
	// Current cooldown: **3.5** seconds
	cooldownTotalRe = regexp.MustCompile(`Current cooldown: \*\*([\d\.]+)\*\* seconds`)
	// 6 символов, буквы и цифры
	captchaCodeRe = regexp.MustCompile(`^[A-Za-z0-9]{6}$`)
)

type FishCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type Catch struct {
	Fish []FishCount `json:"fish"`
	XP   int64       `json:"xp"`
}

// ParseCatch. ok=false — в тексте нет ни рыбы, ни опыта.
func ParseCatch(text string) (Catch, bool) {
	var c Catch
	for _, line := range strings.Split(text, "\n") {
		if m := catchRe.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				c.Fish = append(c.Fish, FishCount{Name: strings.TrimSpace(m[2]), Count: n})
			}
		}
		if m := xpRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64); err == nil {
				c.XP = v
			}
		}
	}
	return c, len(c.Fish) > 0 || c.XP > 0
}

type Cooldown struct {
	Wait  time.Duration
	Total time.Duration
}

func ParseCooldown(text string) (Cooldown, bool) {
	var cd Cooldown
	if m := cooldownWaitRe.FindStringSubmatch(text); m != nil {
		cd.Wait = seconds(m[1])
	}
	if m := cooldownTotalRe.FindStringSubmatch(text); m != nil {
		cd.Total = seconds(m[1])
	}
	return cd, cd.Wait > 0 || cd.Total > 0
}

type Profile struct {
	Balance *uint64 `json:"balance,omitempty"`
	Level   *int    `json:"level,omitempty"`
	Biome   string  `json:"biome,omitempty"`
}

func ParseProfile(text string) Profile {
	var p Profile
	if m := balanceRe.FindStringSubmatch(text); m != nil {
		if v, ok := parseUint(m[1]); ok {
			p.Balance = &v
		}
	}
	if m := levelRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			p.Level = &v
		}
	}
	if m := biomeRe.FindStringSubmatch(text); m != nil {
		p.Biome = strings.TrimSpace(m[1])
	}
	return p
}

type CaptchaChallenge struct {
	ImageURL string
	Text     string
}

// DetectCaptcha — игра просит пройти проверку (/verify).
func DetectCaptcha(c transport.Content) (CaptchaChallenge, bool) {
	all := strings.ToLower(strings.Join(c.Lines(), "\n"))
	if !strings.Contains(all, "captcha") && !strings.Contains(all, "/verify") {
		return CaptchaChallenge{}, false
	}
	if DetectCaptchaResolved(c) {
		return CaptchaChallenge{}, false
	}
	ch := CaptchaChallenge{Text: strings.Join(c.Lines(), "\n")}
	for _, e := range c.Embeds {
		if e.ImageURL != "" {
			ch.ImageURL = e.ImageURL
			break
		}
	}
	return ch, true
}

func DetectCaptchaResolved(c transport.Content) bool {
	all := strings.ToLower(strings.Join(c.Lines(), "\n"))
	return strings.Contains(all, "you may now continue") ||
		strings.Contains(all, "successfully verified") ||
		strings.Contains(all, "verification successful")
}

// NormalizeCaptchaCode оставляет буквы и цифры; ok — ровно 6 символов.
func NormalizeCaptchaCode(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	code := b.String()
	return code, captchaCodeRe.MatchString(code)
}

func seconds(s string) time.Duration {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
