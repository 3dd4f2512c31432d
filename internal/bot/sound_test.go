package bot

import (
	"bytes"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseAlertSound(t *testing.T) {
	assert.Nil(t, parseAlertSound(""))
	assert.Nil(t, parseAlertSound(" None "))

	a := parseAlertSound("bell")
	require.NotNil(t, a)
	assert.True(t, a.bell)

	a = parseAlertSound("alarm.mp3")
	require.NotNil(t, a)
	assert.Equal(t, filepath.Join("sounds", "alarm.mp3"), a.path)

	abs := filepath.Join(t.TempDir(), "alarm.wav")
	a = parseAlertSound(abs)
	require.NotNil(t, a)
	assert.Equal(t, abs, a.path)
}

func TestAlertSoundPlay(t *testing.T) {
	var buf bytes.Buffer
	bell := &alertSound{bell: true, out: &buf}
	require.NoError(t, bell.play())
	assert.Equal(t, "\a", buf.String())

	var opened string
	file := &alertSound{path: "sounds/x.wav", open: func(p string) error { opened = p; return nil }}
	require.NoError(t, file.play())
	assert.Equal(t, "sounds/x.wav", opened)
}

func TestSoundCallbackMissingFile(t *testing.T) {
	b := &Bot{log: zaptest.NewLogger(t)}
	assert.Nil(t, b.soundCallback("none"))

	cb := b.soundCallback(filepath.Join(t.TempDir(), "missing.wav"))
	require.NotNil(t, cb)
	cb() // только warn в лог, без паники

	err := openWithSystemPlayer(filepath.Join(t.TempDir(), "missing.wav"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
