package registry

import "strings"

// OptionKind повторяет типы опций slash-команд Discord (без subcommand/group —
// они подняты в Subcommands).
type OptionKind int

const (
	KindString      OptionKind = 3
	KindInteger     OptionKind = 4
	KindBoolean     OptionKind = 5
	KindUser        OptionKind = 6
	KindChannel     OptionKind = 7
	KindRole        OptionKind = 8
	KindMentionable OptionKind = 9
	KindNumber      OptionKind = 10
	KindAttachment  OptionKind = 11
)

// MaxDepth — сколько уровней подкоманд храним (group -> subcommand).
const MaxDepth = 2

type Choice struct {
	Name  string `json:"name" yaml:"name"`
	Value any    `json:"value" yaml:"value"`
}

type Option struct {
	Name     string     `json:"name" yaml:"name"`
	Required bool       `json:"required,omitempty" yaml:"required,omitempty"`
	Kind     OptionKind `json:"kind" yaml:"kind"`
	Choices  []Choice   `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// Subcommand — подкоманда или группа подкоманд. Group=true значит, что
// напрямую вызвать её нельзя, только её Subcommands.
type Subcommand struct {
	Name        string       `json:"name" yaml:"name"`
	Group       bool         `json:"group,omitempty" yaml:"group,omitempty"`
	Options     []Option     `json:"options,omitempty" yaml:"options,omitempty"`
	Subcommands []Subcommand `json:"subcommands,omitempty" yaml:"subcommands,omitempty"`
}

// CommandDefinition описывает удалённую команду так, как мы её знаем.
type CommandDefinition struct {
	Name        string       `json:"name" yaml:"name"`
	ID          string       `json:"id,omitempty" yaml:"id,omitempty"`
	Version     string       `json:"version,omitempty" yaml:"version,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Options     []Option     `json:"options,omitempty" yaml:"options,omitempty"`
	Subcommands []Subcommand `json:"subcommands,omitempty" yaml:"subcommands,omitempty"`
	// Invokable разрешает вызов корня даже при наличии подкоманд.
	Invokable bool `json:"invokable,omitempty" yaml:"invokable,omitempty"`
}

// RootInvokable: команду без подкоманд можно вызвать напрямую,
// с подкомандами — только если это явно разрешено.
func (d CommandDefinition) RootInvokable() bool {
	return len(d.Subcommands) == 0 || d.Invokable
}

// Resolve ищет путь подкоманд (["shop"], ["clan", "shop"]) и возвращает
// опции конечной подкоманды. ok=false, если пути нет или он ведёт в группу.
func (d CommandDefinition) Resolve(path []string) ([]Option, bool) {
	if len(path) == 0 {
		if !d.RootInvokable() {
			return nil, false
		}
		return d.Options, true
	}
	subs := d.Subcommands
	for i, name := range path {
		if i >= MaxDepth {
			return nil, false
		}
		sc, found := findSub(subs, name)
		if !found {
			return nil, false
		}
		if i == len(path)-1 {
			if sc.Group {
				return nil, false
			}
			return sc.Options, true
		}
		if !sc.Group {
			return nil, false
		}
		subs = sc.Subcommands
	}
	return nil, false
}

// FirstPath — первая вызываемая подкоманда в порядке объявления.
func (d CommandDefinition) FirstPath() []string {
	for _, sc := range d.Subcommands {
		if !sc.Group {
			return []string{sc.Name}
		}
		for _, inner := range sc.Subcommands {
			if !inner.Group {
				return []string{sc.Name, inner.Name}
			}
		}
	}
	return nil
}

// Clone — глубокая копия, чтобы снапшоты реестра не делили слайсы.
func (d CommandDefinition) Clone() CommandDefinition {
	out := d
	out.Options = cloneOptions(d.Options)
	out.Subcommands = cloneSubs(d.Subcommands)
	return out
}

func cloneOptions(in []Option) []Option {
	if in == nil {
		return nil
	}
	out := make([]Option, len(in))
	for i, o := range in {
		o.Choices = append([]Choice(nil), o.Choices...)
		out[i] = o
	}
	return out
}

func cloneSubs(in []Subcommand) []Subcommand {
	if in == nil {
		return nil
	}
	out := make([]Subcommand, len(in))
	for i, s := range in {
		s.Options = cloneOptions(s.Options)
		s.Subcommands = cloneSubs(s.Subcommands)
		out[i] = s
	}
	return out
}

// truncate обрезает вложенность глубже MaxDepth.
func truncate(subs []Subcommand, depth int) []Subcommand {
	if depth >= MaxDepth {
		return nil
	}
	for i := range subs {
		subs[i].Subcommands = truncate(subs[i].Subcommands, depth+1)
	}
	return subs
}

func findSub(subs []Subcommand, name string) (Subcommand, bool) {
	for _, s := range subs {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Subcommand{}, false
}

// SplitTarget разбивает "prestige shop" на корень и путь подкоманд.
func SplitTarget(target string) (string, []string) {
	parts := strings.Fields(strings.ToLower(target))
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
