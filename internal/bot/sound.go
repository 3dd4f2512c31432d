package bot

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// soundDir — куда смотрим за относительными именами из captcha.sound.
const soundDir = "sounds"

// alertSound — чем сигналить оператору о капче.
type alertSound struct {
	path string    // файл, открывается системным плеером
	bell bool      // "bell": \a в терминал
	out  io.Writer // куда пишем \a
	open func(path string) error
}

// parseAlertSound: "" и "none" выключают звук, "bell" пишет \a,
// остальное считаем файлом (относительный путь от ./sounds).
func parseAlertSound(sound string) *alertSound {
	s := strings.TrimSpace(sound)
	switch {
	case s == "" || strings.EqualFold(s, "none"):
		return nil
	case strings.EqualFold(s, "bell"):
		return &alertSound{bell: true, out: os.Stderr}
	case filepath.IsAbs(s):
		return &alertSound{path: s, open: openWithSystemPlayer}
	default:
		return &alertSound{path: filepath.Join(soundDir, s), open: openWithSystemPlayer}
	}
}

func (a *alertSound) play() error {
	if a.bell {
		_, err := fmt.Fprint(a.out, "\a")
		return err
	}
	return a.open(a.path)
}

func openWithSystemPlayer(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		// start откроет файл ассоциированной программой
		cmd = exec.Command("cmd", "/C", "start", "", path)
	case "darwin":
		cmd = exec.Command("afplay", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// soundCallback оборачивает alertSound в коллбэк для капчи; nil — звук выключен.
func (b *Bot) soundCallback(sound string) func() {
	a := parseAlertSound(sound)
	if a == nil {
		return nil
	}
	return func() {
		if err := a.play(); err != nil {
			b.log.Warn("captcha sound failed", zap.String("sound", sound), zap.Error(err))
		}
	}
}
