// Package debounce coalesces bursts of reconcile triggers into single
// invocations of the debounced func.
package debounce

import (
	"time"

	"k8s.io/klog/v2"
)

// Trigger is a coalescable unit of work.  Merge combines a newly arrived
// trigger into the pending one.
type Trigger interface {
	Merge(Trigger) Trigger
}

// Debounce waits waitTime after the last Put before pushing, but never
// delays a pending trigger longer than maxWaitTime in total.  Pushes run one
// at a time; triggers arriving during a push are merged into the next one.
type Debounce struct {
	ch          chan Trigger
	waitTime    time.Duration
	maxWaitTime time.Duration
	pushFn      func(t Trigger)
}

// New ...
func New(waitTime, maxWaitTime time.Duration, pushFn func(t Trigger)) *Debounce {
	d := &Debounce{
		ch:          make(chan Trigger),
		waitTime:    waitTime,
		maxWaitTime: maxWaitTime,
		pushFn:      pushFn,
	}

	go d.start()
	return d
}

func (d *Debounce) start() {
	var timeChan <-chan time.Time
	var startTime time.Time
	var lastUpdateTime time.Time
	pendingEvents := 0
	var pending Trigger
	free := true
	freeCh := make(chan struct{}, 1)

	push := func(t Trigger) {
		d.pushFn(t)
		freeCh <- struct{}{}
	}

	pushWorker := func() {
		quietFor := time.Since(lastUpdateTime)
		if quietFor >= d.waitTime || time.Since(startTime) >= d.maxWaitTime {
			if pending != nil {
				klog.V(4).Infof("Debounce pushing after %d merged events", pendingEvents)
				free = false
				go push(pending)
				pending = nil
				pendingEvents = 0
			}
		} else {
			timeChan = time.After(d.waitTime - quietFor)
		}
	}

	for {
		select {
		case <-freeCh:
			free = true
			pushWorker()
		case t, ok := <-d.ch:
			if !ok {
				return
			}

			lastUpdateTime = time.Now()
			if pendingEvents == 0 {
				timeChan = time.After(d.waitTime)
				startTime = lastUpdateTime
			}
			pendingEvents++

			if pending == nil {
				pending = t
				continue
			}
			pending = pending.Merge(t)
		case <-timeChan:
			if free {
				pushWorker()
			}
		}
	}
}

// Put ...
func (d *Debounce) Put(t Trigger) {
	d.ch <- t
}

// Close ...
func (d *Debounce) Close() {
	close(d.ch)
}
