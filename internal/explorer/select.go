package explorer

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/registry"
	"github.com/EgorLis/Fishbot/internal/transport"
)

// plan — выбранная команда с готовыми аргументами.
type plan struct {
	target string
	entry  registry.Entry
	path   []string
	args   []transport.Arg
}

func (p plan) fullName() string {
	return strings.Join(append([]string{p.entry.Name()}, p.path...), " ")
}

// HasWork — есть ли сейчас что вызывать.
func (e *Explorer) HasWork() bool {
	_, ok := e.selectTarget(e.Now(), false)
	return ok
}

// selectTarget идёт по приоритетному списку и берёт первую команду, которая
// известна, не stale, не на кулдауне и для которой хватает аргументов.
func (e *Explorer) selectTarget(now time.Time, verbose bool) (plan, bool) {
	for _, raw := range e.cfg.Targets {
		target := normalizeTarget(raw)
		root, _ := registry.SplitTarget(target)
		if entry, ok := e.Registry.Get(root); ok && !entry.LastExecutedAt.IsZero() &&
			now.Sub(entry.LastExecutedAt) < e.cooldownFor(target, root) {
			continue
		}
		if p, ok := e.planTarget(target, verbose); ok {
			return p, true
		}
	}
	return plan{}, false
}

// planTarget собирает вызов одной цели без учёта кулдауна.
func (e *Explorer) planTarget(raw string, verbose bool) (plan, bool) {
	target := normalizeTarget(raw)
	root, explicit := registry.SplitTarget(target)
	entry, ok := e.Registry.Get(root)
	if !ok || entry.Stale {
		return plan{}, false
	}
	path, opts, ok := e.resolvePath(target, entry, explicit)
	if !ok {
		if verbose {
			e.Log.Debug("target has no invokable path", zap.String("target", target))
		}
		return plan{}, false
	}
	args, ok := e.buildArgs(target, entry, opts)
	if !ok {
		if verbose {
			e.Log.Info("target skipped: required option has no value", zap.String("target", target))
		}
		return plan{}, false
	}
	return plan{target: target, entry: entry, path: path, args: args}, true
}

func normalizeTarget(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

// resolvePath: явный путь из цели > путь из конфига > записанный ранее >
// корень, если он вызываемый > первая подкоманда (её запоминаем).
func (e *Explorer) resolvePath(target string, entry registry.Entry, explicit []string) ([]string, []registry.Option, bool) {
	def := entry.Definition
	try := func(path []string) ([]registry.Option, bool) {
		opts, ok := def.Resolve(path)
		if !ok && !entry.Authoritative() && len(path) > 0 {
			// запасное определение может не знать подкоманду: вызываем как есть
			return nil, true
		}
		return opts, ok
	}

	if len(explicit) > 0 {
		opts, ok := try(explicit)
		return explicit, opts, ok
	}
	if conf := e.cfg.DefaultSubcommands[target]; conf != "" {
		path := strings.Fields(strings.ToLower(conf))
		if opts, ok := try(path); ok {
			return path, opts, true
		}
	}
	if entry.DefaultSubcommand != "" {
		path := strings.Fields(entry.DefaultSubcommand)
		if opts, ok := def.Resolve(path); ok {
			return path, opts, true
		}
	}
	if def.RootInvokable() {
		return nil, def.Options, true
	}
	path := def.FirstPath()
	if len(path) == 0 {
		return nil, nil, false
	}
	opts, _ := def.Resolve(path)
	e.Registry.SetDefaultSubcommand(entry.Name(), path)
	e.Log.Info("default subcommand selected",
		zap.String("command", entry.Name()),
		zap.String("path", strings.Join(path, " ")))
	return path, opts, true
}

// buildArgs: значение из конфига, иначе первый choice. Обязательная опция без
// значения запрещает вызов только для определений из discovery.
func (e *Explorer) buildArgs(target string, entry registry.Entry, opts []registry.Option) ([]transport.Arg, bool) {
	conf := e.cfg.Arguments[target]
	if conf == nil {
		conf = e.cfg.Arguments[entry.Name()]
	}
	var args []transport.Arg
	for _, o := range opts {
		if v, ok := conf[o.Name]; ok {
			args = append(args, transport.Arg{Name: o.Name, Kind: o.Kind, Value: v})
			continue
		}
		if !o.Required {
			continue
		}
		if len(o.Choices) > 0 {
			args = append(args, transport.Arg{Name: o.Name, Kind: o.Kind, Value: o.Choices[0].Value})
			continue
		}
		if entry.Authoritative() {
			return nil, false
		}
	}
	return args, true
}
