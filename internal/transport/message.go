package transport

import (
	"strings"
	"time"
)

type EventKind int

const (
	// EventMessage — новое или отредактированное сообщение.
	EventMessage EventKind = iota
	// EventInteractionAck — платформа приняла вызов (nonce -> interaction id).
	EventInteractionAck
	// EventInteractionFailed — платформа отвергла вызов асинхронно.
	EventInteractionFailed
)

// IncomingMessage — элемент потока событий.
type IncomingMessage struct {
	Kind      EventKind
	ID        string
	ChannelID string
	AuthorID  string
	Timestamp time.Time
	Edited    bool
	// Loading — заглушка "бот думает", ответ придёт правкой.
	Loading bool

	// ссылка на вызов, если платформа её прислала
	InteractionID   string
	InteractionName string
	Nonce           string

	Content Content
}

// Content — полуструктурированный документ ответа.
type Content struct {
	MessageID string
	Text      string
	Embeds    []Embed
	Buttons   []Button
}

type Embed struct {
	Title       string
	Description string
	Fields      []Field
	Footer      string
	ImageURL    string
}

type Field struct {
	Name  string
	Value string
}

type Button struct {
	Label    string
	CustomID string
	Disabled bool
}

// Lines — плоский упорядоченный список строк документа: текст, затем для
// каждого embed заголовок, описание и поля "name: value".
func (c Content) Lines() []string {
	var out []string
	add := func(s string) {
		for _, l := range strings.Split(s, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				out = append(out, l)
			}
		}
	}
	add(c.Text)
	for _, e := range c.Embeds {
		add(e.Title)
		add(e.Description)
		for _, f := range e.Fields {
			add(f.Name + ": " + f.Value)
		}
		add(e.Footer)
	}
	return out
}

func (c Content) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && len(c.Embeds) == 0
}

// Title — заголовок первого embed, если он есть.
func (c Content) Title() string {
	for _, e := range c.Embeds {
		if e.Title != "" {
			return e.Title
		}
	}
	return ""
}
