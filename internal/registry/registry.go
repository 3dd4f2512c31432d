// Package registry хранит известные команды игры, их форму и историю
// выполнения. Источник каждой записи помечен тегом (discovered/fallback),
// поэтому слияние discovery и запасного списка идёт по одной логике.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type Source string

const (
	SourceDiscovered Source = "discovered"
	SourceFallback   Source = "fallback"
)

// Entry — запись реестра.
type Entry struct {
	Definition          CommandDefinition `json:"definition" yaml:"definition"`
	Source              Source            `json:"source" yaml:"source"`
	LastDiscoveredAt    time.Time         `json:"last_discovered_at,omitempty" yaml:"last_discovered_at,omitempty"`
	LastExecutedAt      time.Time         `json:"last_executed_at,omitempty" yaml:"last_executed_at,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures" yaml:"consecutive_failures"`
	Stale               bool              `json:"stale" yaml:"stale"`
	// DefaultSubcommand — автоматически выбранный путь по умолчанию
	// ("view" или "clan shop"); конфиг и повторный выбор могут его заменить.
	DefaultSubcommand string `json:"default_subcommand,omitempty" yaml:"default_subcommand,omitempty"`
}

func (e Entry) Name() string { return e.Definition.Name }

func (e Entry) Authoritative() bool { return e.Source == SourceDiscovered }

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// MergeDiscovered заменяет определения целиком (подкоманды не сливаются
// по полям). Счётчики и stale сохраняются: staleness меняется только по
// результатам выполнения.
func (r *Registry) MergeDiscovered(defs []CommandDefinition, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		k := key(d.Name)
		if k == "" {
			continue
		}
		d = d.Clone()
		d.Subcommands = truncate(d.Subcommands, 0)
		e, ok := r.entries[k]
		if !ok {
			e = &Entry{}
			r.entries[k] = e
		}
		e.Definition = d
		e.Source = SourceDiscovered
		e.LastDiscoveredAt = now
	}
}

// MergeFallback добавляет только отсутствующие имена. Возвращает, сколько добавлено.
func (r *Registry) MergeFallback(defs []CommandDefinition) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, d := range defs {
		k := key(d.Name)
		if k == "" {
			continue
		}
		if _, ok := r.entries[k]; ok {
			continue
		}
		d = d.Clone()
		d.Subcommands = truncate(d.Subcommands, 0)
		r.entries[k] = &Entry{Definition: d, Source: SourceFallback}
		added++
	}
	return added
}

func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key(name)]
	if !ok {
		return Entry{}, false
	}
	cp := *e
	cp.Definition = e.Definition.Clone()
	return cp, true
}

// All — копия всех записей, отсортированная по имени.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		cp := *e
		cp.Definition = e.Definition.Clone()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) Definitions() []CommandDefinition {
	all := r.All()
	out := make([]CommandDefinition, len(all))
	for i, e := range all {
		out[i] = e.Definition
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RecordSuccess — попытка дошла до сервиса: сбрасываем серию структурных ошибок.
func (r *Registry) RecordSuccess(name string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key(name)]; ok {
		e.LastExecutedAt = at
		e.ConsecutiveFailures = 0
	}
}

// RecordAttempt обновляет только время (таймаут, неструктурная ошибка).
func (r *Registry) RecordAttempt(name string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key(name)]; ok {
		e.LastExecutedAt = at
	}
}

// RecordStructuralFailure увеличивает счётчик и помечает запись stale при
// достижении threshold. becameStale=true только на переходе.
func (r *Registry) RecordStructuralFailure(name string, at time.Time, threshold int) (failures int, becameStale bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key(name)]
	if !ok {
		return 0, false
	}
	e.LastExecutedAt = at
	e.ConsecutiveFailures++
	if threshold <= 0 {
		threshold = 1
	}
	if !e.Stale && e.ConsecutiveFailures >= threshold {
		e.Stale = true
		becameStale = true
	}
	return e.ConsecutiveFailures, becameStale
}

// Revalidate снимает stale по команде оператора (!revalidate, POST /commands/:name/revalidate).
func (r *Registry) Revalidate(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key(name)]
	if !ok {
		return false
	}
	e.Stale = false
	e.ConsecutiveFailures = 0
	return true
}

// Restore переносит сохранённое состояние выполнения (stale, счётчик ошибок,
// время запуска) на уже известные команды. Определения не трогает:
// источник правды для них — discovery. Возвращает число восстановленных.
func (r *Registry) Restore(saved []Entry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range saved {
		e, ok := r.entries[key(s.Name())]
		if !ok {
			continue
		}
		e.Stale = s.Stale
		e.ConsecutiveFailures = s.ConsecutiveFailures
		if s.LastExecutedAt.After(e.LastExecutedAt) {
			e.LastExecutedAt = s.LastExecutedAt
		}
		if e.DefaultSubcommand == "" {
			e.DefaultSubcommand = s.DefaultSubcommand
		}
		n++
	}
	return n
}

func (r *Registry) SetDefaultSubcommand(name string, path []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key(name)]; ok {
		e.DefaultSubcommand = strings.Join(path, " ")
	}
}
