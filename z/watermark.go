package z

import (
	"container/heap"
	"context"

	"go.uber.org/atomic"
	"golang.org/x/net/trace"
)

type (
	// WaterMark is used to keep track of the minimum un-finished index. Every index
	// is begun before it is used, and marked done once its work has completed. The
	// doneUntil value can only advance to an index once every index at or below it
	// has been marked done.
	WaterMark struct {
		doneUntil   atomic.Uint64
		lastIndex   atomic.Uint64
		Name        string
		markChannel chan mark
		eventLog    trace.EventLog
	}

	// mark contains one or more indices, along with a done boolean to indicate the
	// status of the index: begin or done. It also contains waiters, who could be
	// waiting for the watermark to reach >= a certain index.
	mark struct {
		// Either this is an (index, waiter) pair or (index, done) or (indices, done).
		index   uint64
		waiter  chan struct{}
		indices []uint64

		// Done will be true once the last index is finished.
		done bool
	}

	uint64Heap []uint64
)

func (u uint64Heap) Len() int            { return len(u) }
func (u uint64Heap) Less(i, j int) bool  { return u[i] < u[j] }
func (u uint64Heap) Swap(i, j int)       { u[i], u[j] = u[j], u[i] }
func (u *uint64Heap) Push(x interface{}) { *u = append(*u, x.(uint64)) }
func (u *uint64Heap) Pop() interface{} {
	old := *u
	n := len(old)
	x := old[n-1]
	*u = old[:n-1]
	return x
}

// Init initializes the watermark and starts its background process. The provided
// closer is used to stop the background process and must have been created with a
// running count that accounts for it.
func (w *WaterMark) Init(closer *Closer, eventLogging bool) {
	w.markChannel = make(chan mark, 100)
	if eventLogging {
		w.eventLog = trace.NewEventLog("WaterMark", w.Name)
	} else {
		w.eventLog = NoEventLog
	}
	go w.process(closer)
}

// Begin marks the provided index as in-flight.
func (w *WaterMark) Begin(index uint64) {
	w.lastIndex.Store(index)
	w.markChannel <- mark{index: index, done: false}
}

// BeginMany marks multiple indices as in-flight at once.
func (w *WaterMark) BeginMany(indices []uint64) {
	w.lastIndex.Store(indices[len(indices)-1])
	w.markChannel <- mark{index: 0, indices: indices, done: false}
}

// Done marks the provided index as finished.
func (w *WaterMark) Done(index uint64) {
	w.markChannel <- mark{index: index, done: true}
}

// DoneMany marks multiple indices as finished at once.
func (w *WaterMark) DoneMany(indices []uint64) {
	w.markChannel <- mark{index: 0, indices: indices, done: true}
}

// DoneUntil returns the maximum index such that every index at or below it has been
// marked done.
func (w *WaterMark) DoneUntil() uint64 {
	return w.doneUntil.Load()
}

// SetDoneUntil forces the done watermark to the provided value. Should only be used
// during initialization, before any index has begun.
func (w *WaterMark) SetDoneUntil(v uint64) {
	w.doneUntil.Store(v)
}

// LastIndex returns the last index that was begun.
func (w *WaterMark) LastIndex() uint64 {
	return w.lastIndex.Load()
}

// WaitForMark blocks until DoneUntil reaches at least the provided index, or until
// the context is canceled.
func (w *WaterMark) WaitForMark(ctx context.Context, index uint64) error {
	if w.DoneUntil() >= index {
		return nil
	}
	waitChannel := make(chan struct{})
	w.markChannel <- mark{index: index, waiter: waitChannel}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitChannel:
		return nil
	}
}

// process runs in its own goroutine and handles all begin/done marks as well as
// waiters. Indices are tracked in a min-heap with a pending count per index; the
// done watermark only advances past an index once its pending count reaches zero.
func (w *WaterMark) process(closer *Closer) {
	defer closer.Done()

	var indices uint64Heap

	// pending maps an index to the number of begins minus the number of dones seen
	// for it so far.
	pending := make(map[uint64]int)
	waiters := make(map[uint64][]chan struct{})

	heap.Init(&indices)

	processOne := func(index uint64, done bool) {
		prev, present := pending[index]
		if !present {
			heap.Push(&indices, index)
		}

		delta := 1
		if done {
			delta = -1
		}
		pending[index] = prev + delta

		// Update the done watermark by going through all indices in order, stopping
		// at the first index that still has work in flight.
		doneUntil := w.DoneUntil()
		AssertTruef(doneUntil <= index, "%s: doneUntil: %d. index: %d", w.Name, doneUntil, index)

		until := doneUntil
		for len(indices) > 0 {
			min := indices[0]
			if pending[min] > 0 {
				break
			}
			heap.Pop(&indices)
			delete(pending, min)
			until = min
		}

		if until != doneUntil {
			AssertTrue(w.doneUntil.CompareAndSwap(doneUntil, until))
			w.eventLog.Printf("%s: Done until %d. Loops: %d", w.Name, until, len(indices))
		}

		// Close the waiters for every index that is now at or below the watermark.
		for index, toNotify := range waiters {
			if index > until {
				continue
			}
			for _, channel := range toNotify {
				close(channel)
			}
			delete(waiters, index)
		}
	}

	for {
		select {
		case <-closer.HasBeenClosed():
			return
		case mark := <-w.markChannel:
			if mark.waiter != nil {
				doneUntil := w.doneUntil.Load()
				if doneUntil >= mark.index {
					close(mark.waiter)
				} else {
					waiters[mark.index] = append(waiters[mark.index], mark.waiter)
				}
				continue
			}

			if mark.index > 0 {
				processOne(mark.index, mark.done)
			}
			for _, index := range mark.indices {
				processOne(index, mark.done)
			}
		}
	}
}
