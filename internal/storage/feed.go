package storage

import "sync"

// Feed доставляет снимки одного подписчика на собственной горутине.
// Снимок заменяет коллекцию целиком, поэтому ожидающий снимок перезаписывается более новым;
// порядок доставки сохраняется. После Cancel или Stop колбэки больше не вызываются.
type Feed struct {
	onSnapshot func(Snapshot)
	onCancel   func(error)
	onStop     func()

	mu        sync.Mutex
	pending   *Snapshot
	cancelErr error
	stopped   bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewFeed запускает горутину доставки. onStop вызывается один раз при остановке
// по любой причине (Stop или после доставки onCancel).
func NewFeed(onSnapshot func(Snapshot), onCancel func(error), onStop func()) *Feed {
	f := &Feed{
		onSnapshot: onSnapshot,
		onCancel:   onCancel,
		onStop:     onStop,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go f.run()
	return f
}

// Publish ставит snap в очередь на доставку. Не блокируется.
func (f *Feed) Publish(snap Snapshot) {
	f.mu.Lock()
	if f.stopped || f.cancelErr != nil {
		f.mu.Unlock()
		return
	}
	f.pending = &snap
	f.mu.Unlock()
	f.signal()
}

// Cancel один раз передаёт err в onCancel и завершает доставку.
func (f *Feed) Cancel(err error) {
	f.mu.Lock()
	if f.stopped || f.cancelErr != nil {
		f.mu.Unlock()
		return
	}
	f.cancelErr = err
	f.mu.Unlock()
	f.signal()
}

// Stop отключает подписчика без вызова onCancel.
func (f *Feed) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.pending = nil
	f.mu.Unlock()
	f.finish()
}

// Done закрывается, когда доставка прекращена.
func (f *Feed) Done() <-chan struct{} { return f.done }

func (f *Feed) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Feed) finish() {
	f.once.Do(func() {
		close(f.done)
		if f.onStop != nil {
			f.onStop()
		}
	})
}

func (f *Feed) run() {
	for {
		select {
		case <-f.wake:
		case <-f.done:
			return
		}
		f.mu.Lock()
		snap, cerr, stopped := f.pending, f.cancelErr, f.stopped
		f.pending = nil
		f.mu.Unlock()
		if stopped {
			return
		}
		if snap != nil && f.onSnapshot != nil {
			f.onSnapshot(*snap)
		}
		if cerr != nil {
			if f.onCancel != nil {
				f.onCancel(cerr)
			}
			f.mu.Lock()
			f.stopped = true
			f.mu.Unlock()
			f.finish()
			return
		}
	}
}
