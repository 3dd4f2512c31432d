package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/parser"
	"github.com/EgorLis/Fishbot/internal/registry"
	"github.com/EgorLis/Fishbot/internal/state"
	"github.com/EgorLis/Fishbot/internal/transport"
)

const (
	reminderEvery     = 2 * time.Minute
	defaultAnswerName = "answer"
)

var ErrNotInCaptcha = errors.New("no captcha is pending")

type captchaState struct {
	mu         sync.Mutex
	challenge  parser.CaptchaChallenge
	detectedAt time.Time
	solved     uint64
	sound      func()

	// напоминание, пока капча висит
	remindCancel context.CancelFunc
	remindDone   chan struct{}
}

type CaptchaStatus struct {
	Active     bool      `json:"active"`
	ImageURL   string    `json:"image_url,omitempty"`
	DetectedAt time.Time `json:"detected_at,omitempty"`
	Solved     uint64    `json:"solved"`
	Answers    []string  `json:"ocr_answers,omitempty"`
}

// inspectCaptcha смотрит на каждое сообщение игры: капча вытесняет всё,
// подтверждение игры возвращает бота в Idle. true — сообщение и есть капча.
func (b *Bot) inspectCaptcha(ctx context.Context, c transport.Content) bool {
	if parser.DetectCaptchaResolved(c) {
		if b.Machine.State() == state.Captcha {
			b.resolveCaptcha("game confirmation")
		}
		return false
	}
	ch, ok := parser.DetectCaptcha(c)
	if !ok {
		return false
	}

	b.captcha.mu.Lock()
	already := b.Machine.State() == state.Captcha
	if !already || ch.ImageURL != "" {
		b.captcha.challenge = ch
	}
	if !already {
		b.captcha.detectedAt = time.Now()
	}
	b.captcha.mu.Unlock()

	if already {
		b.log.Debug("captcha repeated", zap.String("image", ch.ImageURL))
	} else {
		b.Machine.Fire(state.CaptchaDetected)
		cancelled := b.Correlator.CancelAll()
		b.log.Warn("captcha detected",
			zap.String("image", ch.ImageURL),
			zap.Int("cancelled_pending", cancelled))
		if b.captcha.sound != nil {
			go b.captcha.sound()
		}
		b.sayAsync(ctx, "captcha detected: send !solve <code> or solve it manually, then !resolved")
		b.startReminder(ctx)
	}

	if ch.ImageURL != "" && b.OCR.Enabled() {
		b.cmdWG.Add(1)
		go func() {
			defer b.cmdWG.Done()
			b.autoSolve(ctx, ch.ImageURL)
		}()
	}
	return true
}

func (b *Bot) autoSolve(ctx context.Context, imageURL string) {
	code, err := b.OCR.Solve(ctx, imageURL)
	if err != nil {
		b.log.Warn("ocr failed", zap.Error(err))
		return
	}
	if !b.cfg.Captcha.AutoSolve {
		b.say(ctx, fmt.Sprintf("ocr suggests %s: confirm with !solve", code))
		return
	}
	if err := b.SubmitCaptcha(ctx, code); err != nil {
		b.log.Warn("auto solve failed", zap.String("code", code), zap.Error(err))
	}
}

// SubmitCaptcha отправляет код командой verify. Пустой code — последний
// ответ OCR. Состояние Captcha снимается только подтверждением игры
// или оператором.
func (b *Bot) SubmitCaptcha(ctx context.Context, code string) error {
	if b.Machine.State() != state.Captcha {
		return ErrNotInCaptcha
	}
	if code == "" {
		answers := b.OCR.Answers()
		if len(answers) == 0 {
			return errors.New("no code given and ocr has no answer")
		}
		code = answers[len(answers)-1]
	}
	code, ok := parser.NormalizeCaptchaCode(code)
	if !ok {
		return fmt.Errorf("captcha code must be 6 letters or digits, got %q", code)
	}

	name := b.cfg.Captcha.VerifyCommand
	if name == "" {
		name = "verify"
	}
	entry, ok := b.Registry.Get(name)
	if !ok {
		return fmt.Errorf("command %q is unknown, try !refresh", name)
	}
	inv := transport.Invocation{
		CommandID: entry.Definition.ID,
		Version:   entry.Definition.Version,
		Name:      entry.Definition.Name,
		ChannelID: b.cfg.Discord.ChannelID,
		Nonce:     b.tr.NewNonce(),
		Args: []transport.Arg{{
			Name:  answerOption(entry.Definition),
			Kind:  registry.KindString,
			Value: code,
		}},
	}
	if _, err := b.Governor.Invoke(ctx, state.Captcha, inv); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	b.log.Info("captcha answer sent", zap.String("code", code))
	return nil
}

// ResolveCaptcha — оператор сообщает, что капча пройдена.
func (b *Bot) ResolveCaptcha() error {
	if b.Machine.State() != state.Captcha {
		return ErrNotInCaptcha
	}
	b.resolveCaptcha("operator")
	return nil
}

func (b *Bot) resolveCaptcha(by string) {
	if b.Machine.Fire(state.CaptchaResolved) != state.Idle {
		return
	}
	b.stopReminder()
	b.OCR.Reset()

	b.captcha.mu.Lock()
	b.captcha.solved++
	took := time.Since(b.captcha.detectedAt)
	b.captcha.challenge = parser.CaptchaChallenge{}
	b.captcha.mu.Unlock()

	b.log.Info("captcha resolved", zap.String("by", by), zap.Duration("took", took))
}

func (b *Bot) CaptchaStatus() CaptchaStatus {
	b.captcha.mu.Lock()
	defer b.captcha.mu.Unlock()
	st := CaptchaStatus{
		Active:  b.Machine.State() == state.Captcha,
		Solved:  b.captcha.solved,
		Answers: b.OCR.Answers(),
	}
	if st.Active {
		st.ImageURL = b.captcha.challenge.ImageURL
		st.DetectedAt = b.captcha.detectedAt
	}
	return st
}

// первая строковая опция verify, иначе "answer"
func answerOption(d registry.CommandDefinition) string {
	for _, o := range d.Options {
		if o.Kind == registry.KindString {
			return o.Name
		}
	}
	return defaultAnswerName
}

// startReminder напоминает о капче, пока бот в Captcha. Повторный вызов
// ничего не делает.
func (b *Bot) startReminder(ctx context.Context) {
	b.captcha.mu.Lock()
	defer b.captcha.mu.Unlock()
	if b.captcha.remindCancel != nil {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.captcha.remindCancel = cancel
	b.captcha.remindDone = done

	go func() {
		defer close(done)
		t := time.NewTicker(reminderEvery)
		defer t.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-t.C:
			}
			if b.Machine.State() != state.Captcha {
				return
			}
			b.log.Warn("captcha still pending", zap.Duration("since", time.Since(b.detectedAt())))
			if b.captcha.sound != nil {
				b.captcha.sound()
			}
		}
	}()
}

func (b *Bot) stopReminder() {
	b.captcha.mu.Lock()
	cancel, done := b.captcha.remindCancel, b.captcha.remindDone
	b.captcha.remindCancel, b.captcha.remindDone = nil, nil
	b.captcha.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (b *Bot) detectedAt() time.Time {
	b.captcha.mu.Lock()
	defer b.captcha.mu.Unlock()
	return b.captcha.detectedAt
}

func captchaHint(st CaptchaStatus) string {
	if !st.Active {
		return "none"
	}
	parts := []string{"since " + st.DetectedAt.Format(time.TimeOnly)}
	if st.ImageURL != "" {
		parts = append(parts, st.ImageURL)
	}
	if n := len(st.Answers); n > 0 {
		parts = append(parts, "ocr="+st.Answers[n-1])
	}
	return strings.Join(parts, " ")
}
