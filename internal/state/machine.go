// Package state — единственный арбитр того, чем бот занят прямо сейчас.
// Exploring и Fishing выдаются только через lease, Captcha вытесняет оба.
package state

import (
	"context"
	"sync"
)

type BotState string

const (
	Idle      BotState = "idle"
	Fishing   BotState = "fishing"
	Captcha   BotState = "captcha"
	Exploring BotState = "exploring"
)

type Event string

const (
	ExploreStart    Event = "explore_start"
	ExploreEnd      Event = "explore_end"
	FishStart       Event = "fish_start"
	FishEnd         Event = "fish_end"
	CaptchaDetected Event = "captcha_detected"
	CaptchaResolved Event = "captcha_resolved"
)

type transitionKey struct {
	from BotState
	ev   Event
}

// Таблица переходов. Всё, чего нет в таблице, — петля на месте.
var transitions = map[transitionKey]BotState{
	{Idle, ExploreStart}:         Exploring,
	{Idle, FishStart}:            Fishing,
	{Exploring, ExploreEnd}:      Idle,
	{Fishing, FishEnd}:           Idle,
	{Idle, CaptchaDetected}:      Captcha,
	{Fishing, CaptchaDetected}:   Captcha,
	{Exploring, CaptchaDetected}: Captcha,
	{Captcha, CaptchaResolved}:   Idle,
}

// Next — чистая функция перехода.
func Next(from BotState, ev Event) BotState {
	if to, ok := transitions[transitionKey{from, ev}]; ok {
		return to
	}
	return from
}

type Listener func(from, to BotState)

type Machine struct {
	mu        sync.Mutex
	state     BotState
	lease     *Lease
	listeners []Listener
}

func NewMachine() *Machine {
	return &Machine{state: Idle}
}

func (m *Machine) State() BotState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe — слушатели вызываются после смены состояния, вне мьютекса.
func (m *Machine) Subscribe(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Fire применяет событие. ExploreStart/FishStart через Fire не выдают lease —
// для активностей используйте TryAcquire.
func (m *Machine) Fire(ev Event) BotState {
	m.mu.Lock()
	from := m.state
	to := Next(from, ev)
	if ev == ExploreStart || ev == FishStart {
		// без lease никто не сможет вернуть машину в Idle
		to = from
	}
	var preempted *Lease
	if to != from {
		m.state = to
		// любой переход мимо Release лишает текущий lease силы
		preempted = m.lease
		m.lease = nil
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if preempted != nil {
		preempted.cancel()
	}
	if to != from {
		for _, fn := range listeners {
			fn(from, to)
		}
	}
	return to
}

// TryAcquire занимает машину под активность (Exploring или Fishing).
// Работает только из Idle; иначе ok=false.
func (m *Machine) TryAcquire(ctx context.Context, activity BotState) (*Lease, bool) {
	var ev Event
	switch activity {
	case Exploring:
		ev = ExploreStart
	case Fishing:
		ev = FishStart
	default:
		return nil, false
	}

	m.mu.Lock()
	if m.state != Idle || m.lease != nil {
		m.mu.Unlock()
		return nil, false
	}
	from := m.state
	to := Next(from, ev)
	lctx, cancel := context.WithCancel(ctx)
	l := &Lease{m: m, activity: activity, ctx: lctx, cancelFn: cancel}
	m.state = to
	m.lease = l
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(from, to)
	}
	return l, true
}

func (m *Machine) release(l *Lease) {
	m.mu.Lock()
	if m.lease != l {
		// lease уже вытеснен капчей: состояние не трогаем
		m.mu.Unlock()
		return
	}
	m.lease = nil
	from := m.state
	ev := ExploreEnd
	if l.activity == Fishing {
		ev = FishEnd
	}
	to := Next(from, ev)
	m.state = to
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if to != from {
		for _, fn := range listeners {
			fn(from, to)
		}
	}
}

// Lease — право на активность. Контекст отменяется при вытеснении.
type Lease struct {
	m        *Machine
	activity BotState
	ctx      context.Context
	cancelFn context.CancelFunc
	once     sync.Once
}

func (l *Lease) Context() context.Context { return l.ctx }

func (l *Lease) Activity() BotState { return l.activity }

// Preempted — lease потерял силу (капча или отмена родительского ctx).
func (l *Lease) Preempted() bool { return l.ctx.Err() != nil }

// Release идемпотентен.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.release(l)
		l.cancelFn()
	})
}

func (l *Lease) cancel() { l.cancelFn() }
