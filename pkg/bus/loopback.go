// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by any in-flight wait/handshake once Close has been
// called, giving the servicing loop a clean way to unwind on shutdown.
var ErrClosed = errors.New("bus: closed")

// Loopback is an in-process Intf used by tests and by a host with no
// physical bus attached. Selection is driven explicitly by calling Select
// rather than by a real initiator asserting SEL, since there is no second
// party on the wire.
type Loopback struct {
	mu      sync.Mutex
	signals map[Signal]bool
	data    byte

	selections chan Selection
	closed     chan struct{}
	closeOnce  sync.Once

	in  chan byte
	out chan byte
}

func NewLoopback() *Loopback {
	return &Loopback{
		signals:    make(map[Signal]bool),
		selections: make(chan Selection, 1),
		closed:     make(chan struct{}),
		in:         make(chan byte, 1),
		out:        make(chan byte, 1),
	}
}

func (l *Loopback) GetSignal(s Signal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signals[s]
}

func (l *Loopback) SetSignal(s Signal, asserted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signals[s] = asserted
}

func (l *Loopback) GetData() byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data
}

func (l *Loopback) SetData(b byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = b
}

func (l *Loopback) Acquire() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var mask uint32
	for s, v := range l.signals {
		if v {
			mask |= 1 << uint(s)
		}
	}
	return mask
}

func (l *Loopback) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signals = make(map[Signal]bool)
	l.data = 0
}

// Select is the loopback-only counterpart of a real initiator asserting SEL;
// it is how an in-process test initiator drives WaitForSelection.
func (l *Loopback) Select(ctx context.Context, sel Selection) error {
	select {
	case l.selections <- sel:
		return nil
	case <-l.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) WaitForSelection(ctx context.Context) (Selection, error) {
	select {
	case sel := <-l.selections:
		return sel, nil
	case <-l.closed:
		return Selection{}, ErrClosed
	case <-ctx.Done():
		return Selection{}, ctx.Err()
	}
}

func (l *Loopback) WaitHandshake(ctx context.Context) error {
	select {
	case <-l.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (l *Loopback) SendByte(ctx context.Context, b byte) error {
	select {
	case l.out <- b:
		return nil
	case <-l.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) ReceiveByte(ctx context.Context) (byte, error) {
	select {
	case b := <-l.in:
		return b, nil
	case <-l.closed:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (l *Loopback) SendBlock(ctx context.Context, data []byte) (int, error) {
	for i, b := range data {
		if err := l.SendByte(ctx, b); err != nil {
			return i, err
		}
	}
	return len(data), nil
}

func (l *Loopback) ReceiveBlock(ctx context.Context, data []byte) (int, error) {
	for i := range data {
		b, err := l.ReceiveByte(ctx)
		if err != nil {
			return i, err
		}
		data[i] = b
	}
	return len(data), nil
}

// Close unblocks any goroutine parked in a wait/handshake call.
func (l *Loopback) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
}
