package rttlink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YuminosukeSato/rttlink/internal/framing"
)

// BridgeOptions configures a Bridge. Zero fields take the defaults below.
type BridgeOptions struct {
	QueueDepth     int           // capacity of each queue, default 64
	ReadBufferSize int           // bytes read from the channel per turn, default 1024
	StagingSize    int           // encoded bytes of one incoming frame, default 1024
	MaxMessageSize int           // largest outgoing message, default 1024
	IdleSleep      time.Duration // pause when a turn made no progress, default 5ms

	Metrics *LinkMetrics // optional
	Tap     *Tap         // optional
}

func (o BridgeOptions) withDefaults() BridgeOptions {
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 1024
	}
	if o.StagingSize <= 0 {
		o.StagingSize = 1024
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1024
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 5 * time.Millisecond
	}
	if o.Metrics == nil {
		o.Metrics = NewLinkMetrics()
	}
	return o
}

// Bridge moves messages between a Channel and two bounded queues. The
// channel, the reassembler and the transmitter are touched only by the
// goroutine running Run; the rest of the process talks to the bridge
// through BridgeTx and BridgeRx.
type Bridge struct {
	ch      Channel
	opts    BridgeOptions
	logger  *Logger
	metrics *LinkMetrics
	tap     *Tap

	outbound chan []byte
	inbound  chan []byte // closed by the bridge when it stops

	outClosed    chan struct{}
	inClosed     chan struct{}
	outCloseOnce sync.Once
	inCloseOnce  sync.Once

	started atomic.Bool
	done    chan struct{}
	err     error

	// Owned by the Run goroutine.
	rx       *framing.Reassembler
	tx       *framing.Transmitter
	readBuf  []byte
	inFlight []byte
	sentAt   time.Time
}

// NewBridge creates a bridge over ch. Call Run or Start to begin moving
// data.
func NewBridge(ch Channel, opts BridgeOptions, logger *Logger) *Bridge {
	opts = opts.withDefaults()
	return &Bridge{
		ch:        ch,
		opts:      opts,
		logger:    orDiscard(logger),
		metrics:   opts.Metrics,
		tap:       opts.Tap,
		outbound:  make(chan []byte, opts.QueueDepth),
		inbound:   make(chan []byte, opts.QueueDepth),
		outClosed: make(chan struct{}),
		inClosed:  make(chan struct{}),
		done:      make(chan struct{}),
		rx:        framing.NewReassembler(make([]byte, opts.StagingSize)),
		tx:        framing.NewTransmitter(make([]byte, framing.MaxEncodedLen(opts.MaxMessageSize)+1)),
		readBuf:   make([]byte, opts.ReadBufferSize),
	}
}

// Metrics returns the bridge's counters.
func (b *Bridge) Metrics() *LinkMetrics { return b.metrics }

// Tx returns the outbound queue handle.
func (b *Bridge) Tx() *BridgeTx { return &BridgeTx{b: b} }

// Rx returns the inbound queue handle.
func (b *Bridge) Rx() *BridgeRx { return &BridgeRx{b: b} }

// Start runs the bridge on a new goroutine.
func (b *Bridge) Start(ctx context.Context) {
	go func() { _ = b.Run(ctx) }()
}

// Wait blocks until the bridge stops and returns the reason.
func (b *Bridge) Wait() error {
	<-b.done
	return b.err
}

// Done is closed when the bridge stops.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Run moves data until a queue is closed, the channel fails or ctx ends.
// A frame already partly written is completed before Run returns.
// It locks the calling goroutine to its OS thread for the duration, since
// channel calls may block in the probe driver.
//
// The result is ErrQueueClosed after either handle is closed, an error
// wrapping ErrTransportClosed after a channel failure, or ctx.Err().
// Run may be called once.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("bridge already started")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	b.logger.InfoContext(ctx, "bridge started",
		"queue_depth", b.opts.QueueDepth,
		"staging_size", b.opts.StagingSize,
		"max_message_size", b.opts.MaxMessageSize)

	err := b.loop(ctx)
	if !errors.Is(err, ErrTransportClosed) {
		err = b.finish(err)
	}

	b.err = err
	close(b.inbound)
	close(b.done)

	if errors.Is(err, ErrQueueClosed) {
		b.logger.InfoContext(ctx, "bridge stopped", "reason", err)
	} else {
		b.logger.ErrorContext(ctx, "bridge stopped", "error", err)
	}
	return err
}

func (b *Bridge) loop(ctx context.Context) error {
	idle := time.NewTimer(b.opts.IdleSleep)
	defer idle.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if isClosed(b.inClosed) {
			return ErrQueueClosed
		}

		progressed := false

		n, rerr := b.ch.Read(b.readBuf)
		if n > 0 {
			progressed = true
			b.metrics.BytesIn.Add(uint64(n))
			if err := b.deliver(ctx, b.readBuf[:n]); err != nil {
				return err
			}
		}
		if rerr != nil {
			return transportErr(rerr)
		}

		if !b.tx.Pending() {
			closed := isClosed(b.outClosed)
			select {
			case msg := <-b.outbound:
				b.submit(msg)
			default:
				if closed {
					return ErrQueueClosed
				}
			}
		}

		if b.tx.Pending() {
			moved, err := b.step()
			if err != nil {
				return err
			}
			progressed = progressed || moved
		}

		if progressed {
			continue
		}

		// Nothing moved this turn. Sleep, but wake early for new outbound
		// work.
		outbound := b.outbound
		if b.tx.Pending() {
			outbound = nil
		}
		idle.Reset(b.opts.IdleSleep)
		select {
		case <-idle.C:
		case msg := <-outbound:
			b.submit(msg)
		case <-b.inClosed:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finish writes out the rest of a frame that has already started on the
// wire, then returns reason. Only a transport failure cuts a frame short.
func (b *Bridge) finish(reason error) error {
	if !b.tx.Started() {
		return reason
	}
	b.logger.Debug("completing frame before stop", "remaining", b.tx.PendingLen(), "reason", reason)
	for b.tx.Pending() {
		moved, err := b.step()
		if err != nil {
			return err
		}
		if !moved {
			time.Sleep(b.opts.IdleSleep)
		}
	}
	return reason
}

// deliver feeds one chunk to the reassembler and queues every message it
// completes.
func (b *Bridge) deliver(ctx context.Context, chunk []byte) error {
	for msg, ferr := range b.rx.Feed(chunk) {
		if ferr != nil {
			b.reportDrop(ferr)
			continue
		}
		out := bytes.Clone(msg)
		b.metrics.FramesIn.Add(1)
		b.tap.Publish(TapRx, "", out)
		b.logger.Debug("frame received", "size", len(out))
		if err := b.push(ctx, out); err != nil {
			return err
		}
	}
	return nil
}

// push places msg on the inbound queue, waiting for room if it is full.
// Inbound messages are never dropped.
func (b *Bridge) push(ctx context.Context, msg []byte) error {
	select {
	case b.inbound <- msg:
		b.metrics.InboundDepth.Add(1)
		return nil
	default:
	}

	b.metrics.InboundBlocked.Add(1)
	b.logger.Debug("inbound queue full, waiting for consumer", "depth", b.opts.QueueDepth)
	select {
	case b.inbound <- msg:
		b.metrics.InboundDepth.Add(1)
		return nil
	case <-b.inClosed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) reportDrop(err error) {
	var ferr *framing.FrameError
	size := 0
	if errors.As(err, &ferr) {
		size = ferr.Size
	}
	reason := "malformed"
	if errors.Is(err, framing.ErrBufferOverflow) {
		reason = "overflow"
		b.metrics.Overflows.Add(1)
	} else {
		b.metrics.Malformed.Add(1)
	}
	b.tap.Publish(TapDrop, reason, nil)
	b.logger.Warn("frame discarded", "reason", reason, "size", size, "staging_size", b.opts.StagingSize, "error", err)
}

func (b *Bridge) submit(msg []byte) {
	b.metrics.OutboundDepth.Add(-1)
	if err := b.tx.Submit(msg); err != nil {
		// Send checks the size, so this is a message queued by a caller
		// that bypassed it.
		b.logger.Warn("outbound message dropped", "size", len(msg), "error", err)
		return
	}
	b.inFlight = msg
	b.sentAt = time.Now()
}

// step makes one write attempt. It reports whether any bytes moved.
func (b *Bridge) step() (bool, error) {
	before := b.tx.PendingLen()
	p, err := b.tx.Step(b.ch)
	written := before - b.tx.PendingLen()
	b.metrics.BytesOut.Add(uint64(written))

	switch p {
	case framing.Complete:
		b.metrics.FramesOut.Add(1)
		b.metrics.RecordLatency(time.Since(b.sentAt))
		b.tap.Publish(TapTx, "", b.inFlight)
		b.logger.Debug("frame sent", "size", len(b.inFlight))
		b.inFlight = nil
	case framing.Partial:
		b.metrics.PartialWrites.Add(1)
	case framing.Stalled:
		b.metrics.Stalls.Add(1)
	}

	if err != nil {
		return written > 0, transportErr(err)
	}
	return written > 0, nil
}

func transportErr(err error) error {
	if errors.Is(err, ErrTransportClosed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransportClosed, err)
}

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// BridgeTx is the producer side of the outbound queue. It is safe for
// concurrent use.
type BridgeTx struct {
	b *Bridge
}

// Send queues a copy of msg for transmission, waiting for room if the
// queue is full. Messages are written in the order Send returns. A nil
// result means msg will be written unless the channel fails; after the
// bridge stops Send returns ErrQueueClosed.
func (t *BridgeTx) Send(ctx context.Context, msg []byte) error {
	b := t.b
	if len(msg) > b.opts.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrMessageTooLarge, len(msg), b.opts.MaxMessageSize)
	}
	if isClosed(b.outClosed) || isClosed(b.done) {
		return ErrQueueClosed
	}

	msg = bytes.Clone(msg)
	if msg == nil {
		msg = []byte{}
	}
	b.metrics.OutboundDepth.Add(1)
	select {
	case b.outbound <- msg:
		// The bridge may have stopped between the checks above and the
		// send, leaving msg queued with nobody to write it.
		if isClosed(b.done) {
			return ErrQueueClosed
		}
		return nil
	case <-b.outClosed:
	case <-b.done:
	case <-ctx.Done():
		b.metrics.OutboundDepth.Add(-1)
		return ctx.Err()
	}
	b.metrics.OutboundDepth.Add(-1)
	return ErrQueueClosed
}

// Close closes the outbound queue. Messages already queued are still
// written; the bridge then stops with ErrQueueClosed.
func (t *BridgeTx) Close() {
	t.b.outCloseOnce.Do(func() { close(t.b.outClosed) })
}

// BridgeRx is the consumer side of the inbound queue. It is safe for
// concurrent use.
type BridgeRx struct {
	b *Bridge
}

// Receive returns the next inbound message. Messages received before the
// bridge stopped remain available; after that it returns ErrQueueClosed.
func (r *BridgeRx) Receive(ctx context.Context) ([]byte, error) {
	b := r.b
	if isClosed(b.inClosed) {
		return nil, ErrQueueClosed
	}
	select {
	case msg, ok := <-b.inbound:
		if !ok {
			return nil, ErrQueueClosed
		}
		b.metrics.InboundDepth.Add(-1)
		return msg, nil
	case <-b.inClosed:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the inbound queue and stops the bridge.
func (r *BridgeRx) Close() {
	r.b.inCloseOnce.Do(func() { close(r.b.inClosed) })
}
