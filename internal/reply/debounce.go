package reply

import (
	"sync"
	"time"
)

// StatusDebounceWindow is the trailing-edge delay for streamed status
// updates. Bursts of runner events collapse into one chat edit.
const StatusDebounceWindow = 3 * time.Second

// Debouncer coalesces rapid status updates into a single trailing-edge send.
// It is a scoped resource: the owner must call Cancel before sending a final
// reply so a stale status cannot arrive after the answer.
type Debouncer struct {
	mu        sync.Mutex
	delay     time.Duration
	send      func(text string)
	timer     *time.Timer
	pending   string
	hasUpdate bool
	cancelled bool
}

// NewDebouncer builds a debouncer that delivers through send after delay of
// quiet time.
func NewDebouncer(delay time.Duration, send func(text string)) *Debouncer {
	return &Debouncer{delay: delay, send: send}
}

// Invoke records the latest status text and (re)arms the trailing-edge timer.
// Calls after Cancel are ignored.
func (d *Debouncer) Invoke(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelled {
		return
	}
	d.pending = text
	d.hasUpdate = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

// Flush delivers any pending update immediately.
func (d *Debouncer) Flush() {
	d.fire()
}

// Cancel drops any pending update and blocks future ones.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = true
	d.hasUpdate = false
	d.pending = ""
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.cancelled || !d.hasUpdate {
		d.mu.Unlock()
		return
	}
	text := d.pending
	d.hasUpdate = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	// Send outside the lock so a slow transport cannot block Invoke.
	d.send(text)
}
