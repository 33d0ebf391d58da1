package rttlink

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/YuminosukeSato/rttlink/internal/framing"
)

// DeviceOptions configures a Device.
type DeviceOptions struct {
	PollInterval time.Duration // wait between polls of an idle channel, default 1ms
	Metrics      *LinkMetrics  // optional
}

// suspension names the point a Device operation is parked at.
type suspension int32

const (
	running      suspension = iota
	rxAwaitBytes            // Receive found the channel empty
	txAwaitSpace            // Send could not write the whole frame
)

func (s suspension) String() string {
	switch s {
	case running:
		return "running"
	case rxAwaitBytes:
		return "rx-await-bytes"
	case txAwaitSpace:
		return "tx-await-space"
	default:
		return fmt.Sprintf("suspension(%d)", int32(s))
	}
}

// Device is the target end of a link: a polling task that owns the
// reassembler and transmitter directly. Receive and Send may be called
// from many goroutines. Concurrent receivers take turns. Concurrent
// senders share one transmit lock held from encode to the last byte
// written, so frames never interleave on the wire.
type Device struct {
	ch      Channel
	logger  *Logger
	metrics *LinkMetrics
	poll    time.Duration

	rxLock  *semaphore.Weighted
	rx      *framing.Reassembler
	scratch []byte
	rxState atomic.Int32

	txLock  *semaphore.Weighted
	tx      *framing.Transmitter
	txState atomic.Int32
}

// NewDevice creates a device task over ch using bufs. If bufs is nil a
// private arena with DefaultBufferSizes is used.
func NewDevice(ch Channel, bufs *PacketBuffers, opts DeviceOptions, logger *Logger) *Device {
	if bufs == nil {
		// A fresh arena always has its buffers.
		bufs, _ = NewArena(DefaultBufferSizes).Take()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.Metrics == nil {
		opts.Metrics = NewLinkMetrics()
	}
	return &Device{
		ch:      ch,
		logger:  orDiscard(logger),
		metrics: opts.Metrics,
		poll:    opts.PollInterval,
		rxLock:  semaphore.NewWeighted(1),
		rx:      framing.NewReassembler(bufs.RxStaging),
		scratch: bufs.RxScratch,
		txLock:  semaphore.NewWeighted(1),
		tx:      framing.NewTransmitter(bufs.TxFrame),
	}
}

// Metrics returns the device's counters.
func (d *Device) Metrics() *LinkMetrics { return d.metrics }

// MaxMessageLen returns the largest message Send accepts.
func (d *Device) MaxMessageLen() int { return d.tx.MaxMessageLen() }

// Receive waits for the next message and copies it into out, returning
// the filled prefix. A message longer than out is consumed and reported
// as ErrMessageTooLarge. Malformed and oversized frames are skipped.
func (d *Device) Receive(ctx context.Context, out []byte) ([]byte, error) {
	if err := d.rxLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.rxLock.Release(1)
	defer d.rxState.Store(int32(running))

	// Frames left over from the previous call come first.
	if msg, ok, err := d.next(nil, out); ok {
		return msg, err
	}

	for {
		n, rerr := d.ch.Read(d.scratch)
		if n > 0 {
			d.metrics.BytesIn.Add(uint64(n))
			if msg, ok, err := d.next(d.scratch[:n], out); ok {
				return msg, err
			}
		}
		if rerr != nil {
			return nil, transportErr(rerr)
		}
		if n == 0 {
			if err := d.yield(ctx, &d.rxState, rxAwaitBytes); err != nil {
				return nil, err
			}
		}
	}
}

// next feeds chunk and stops at the first decoded message. ok is false if
// the chunk completed no message.
func (d *Device) next(chunk, out []byte) (msg []byte, ok bool, err error) {
	for m, ferr := range d.rx.Feed(chunk) {
		if ferr != nil {
			if errors.Is(ferr, framing.ErrBufferOverflow) {
				d.metrics.Overflows.Add(1)
			} else {
				d.metrics.Malformed.Add(1)
			}
			d.logger.Warn("frame discarded", "error", ferr)
			continue
		}
		d.metrics.FramesIn.Add(1)
		if len(m) > len(out) {
			return nil, true, fmt.Errorf("%w: %d byte message, %d byte buffer", ErrMessageTooLarge, len(m), len(out))
		}
		return out[:copy(out, m)], true, nil
	}
	return nil, false, nil
}

// Send frames msg and writes it to completion, yielding whenever the
// channel is full. Cancelling ctx abandons the message only if none of
// its bytes have been written yet; a started frame is always finished.
func (d *Device) Send(ctx context.Context, msg []byte) error {
	if err := d.txLock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.txLock.Release(1)
	defer d.txState.Store(int32(running))

	if err := d.tx.Submit(msg); err != nil {
		return err
	}
	start := time.Now()

	for {
		before := d.tx.PendingLen()
		p, err := d.tx.Step(d.ch)
		d.metrics.BytesOut.Add(uint64(before - d.tx.PendingLen()))
		if err != nil {
			d.tx.Reset()
			return transportErr(err)
		}

		switch p {
		case framing.Complete:
			d.metrics.FramesOut.Add(1)
			d.metrics.RecordLatency(time.Since(start))
			return nil
		case framing.Partial:
			d.metrics.PartialWrites.Add(1)
		case framing.Stalled:
			d.metrics.Stalls.Add(1)
		}

		wait := ctx
		if d.tx.Started() {
			wait = context.WithoutCancel(ctx)
		}
		if err := d.yield(wait, &d.txState, txAwaitSpace); err != nil {
			d.tx.Reset()
			return err
		}
	}
}

// yield parks the caller at a named suspension point for one poll
// interval.
func (d *Device) yield(ctx context.Context, state *atomic.Int32, at suspension) error {
	state.Store(int32(at))
	t := time.NewTimer(d.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		state.Store(int32(running))
		return nil
	}
}

// states reports where Receive and Send are currently parked.
func (d *Device) states() (rx, tx suspension) {
	return suspension(d.rxState.Load()), suspension(d.txState.Load())
}
