package fishing

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	penaltyPerHit = 500 * time.Millisecond
	jitterMin     = 100 * time.Millisecond
	jitterMax     = 800 * time.Millisecond
	decayStep     = 50 * time.Millisecond
	// после стольких успехов подряд оценка уменьшается на decayStep
	decayStreak = 20
)

// CooldownManager подстраивает паузу между забросами под кулдаун игры:
// попали в кулдаун — оценка растёт и добавляется штраф, долго без
// попаданий — оценка медленно сползает к базовой.
type CooldownManager struct {
	mu       sync.Mutex
	base     time.Duration
	estimate time.Duration
	hits     int
	streak   int

	// rand01 — источник [0,1) для джиттера, подменяется в тестах
	rand01 func() float64
}

func NewCooldownManager(base time.Duration) *CooldownManager {
	return &CooldownManager{base: base, estimate: base, rand01: rand.Float64}
}

// SleepTime = оценка + штраф за попадания подряд + джиттер 0.1–0.8 с.
func (m *CooldownManager) SleepTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	penalty := time.Duration(m.hits) * penaltyPerHit
	jitter := jitterMin + time.Duration(m.rand01()*float64(jitterMax-jitterMin))
	return m.estimate + penalty + jitter
}

// ReportHit — игра ответила "подожди". total, если известен, поднимает оценку.
func (m *CooldownManager) ReportHit(total time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
	m.streak = 0
	if total > m.estimate {
		m.estimate = total
	}
}

func (m *CooldownManager) ReportSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streak++
	m.hits = 0
	if m.streak > decayStreak && m.estimate > m.base {
		m.estimate -= decayStep
		if m.estimate < m.base {
			m.estimate = m.base
		}
		m.streak = 0
	}
}

func (m *CooldownManager) Estimate() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimate
}

func (m *CooldownManager) ConsecutiveHits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits
}
