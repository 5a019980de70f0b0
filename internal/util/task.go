package util

import (
	"sync"
	"time"
)

// Task представляет отменяемую запланированную задачу.
// Каждый таймерный процесс ядра (backoff переподключения, периодическая
// сверка, GC устаревших игроков, цикл интерполяции) держит собственный
// Task и отменяет его при завершении компонента или при вытеснении
// более новой операцией. Рекурсивные цепочки таймеров не используются.
type Task struct {
	mu        sync.Mutex
	timer     *time.Timer
	quit      chan struct{}
	cancelled bool
}

// After планирует одноразовый вызов fn через задержку d.
func After(d time.Duration, fn func()) *Task {
	t := &Task{quit: make(chan struct{})}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.cancelled {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		fn()
	})
	return t
}

// Every планирует периодический вызов fn с интервалом d.
// Первый вызов происходит через d, не сразу.
func Every(d time.Duration, fn func()) *Task {
	t := &Task{quit: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-t.quit:
				return
			}
		}
	}()
	return t
}

// Cancel отменяет задачу. Безопасно вызывать повторно.
// Уже начавшийся вызов fn не прерывается.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.quit)
}

// Cancelled сообщает, была ли задача отменена.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}
