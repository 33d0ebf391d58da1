package rttlink

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// transports for tap endpoints: tcp://, ipc://, inproc://
	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/ipc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
)

const tapBacklog = 256

// TapDirection says where a tapped frame was seen.
type TapDirection string

const (
	TapRx   TapDirection = "rx"   // decoded from the channel
	TapTx   TapDirection = "tx"   // written to the channel
	TapDrop TapDirection = "drop" // discarded by the reassembler
)

// TapRecord is one frame event published by a Tap.
type TapRecord struct {
	Seq       uint64       `json:"seq" msgpack:"seq" cbor:"1,keyasint"`
	Time      time.Time    `json:"time" msgpack:"time" cbor:"2,keyasint"`
	Direction TapDirection `json:"dir" msgpack:"dir" cbor:"3,keyasint"`
	Reason    string       `json:"reason,omitempty" msgpack:"reason,omitempty" cbor:"4,keyasint,omitempty"`
	Payload   []byte       `json:"payload" msgpack:"payload" cbor:"5,keyasint"`
}

// Tap publishes frame events on a mangos pub socket so external tools can
// watch a live link. Records are encoded and sent on a separate goroutine;
// when that falls behind, records are dropped rather than stalling the
// caller. A nil *Tap ignores every call.
type Tap struct {
	sock    mangos.Socket
	codec   Codec
	logger  *Logger
	records chan TapRecord

	seq     atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewTap listens on addr (e.g. "tcp://127.0.0.1:40899") and starts
// publishing.
func NewTap(addr string, codec Codec, logger *Logger) (*Tap, error) {
	if codec == nil {
		return nil, errors.New("tap codec is required")
	}
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("could not create tap socket: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("could not listen on %q: %w", addr, err)
	}

	t := &Tap{
		sock:    sock,
		codec:   codec,
		logger:  orDiscard(logger).WithPeer(addr),
		records: make(chan TapRecord, tapBacklog),
		done:    make(chan struct{}),
	}
	go t.loop()
	return t, nil
}

// Publish queues a record for payload. The payload is copied.
func (t *Tap) Publish(dir TapDirection, reason string, payload []byte) {
	if t == nil {
		return
	}
	rec := TapRecord{
		Seq:       t.seq.Add(1),
		Time:      time.Now(),
		Direction: dir,
		Reason:    reason,
		Payload:   append([]byte(nil), payload...),
	}
	select {
	case t.records <- rec:
	default:
		t.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded because the publisher
// fell behind.
func (t *Tap) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

func (t *Tap) loop() {
	defer close(t.done)
	for rec := range t.records {
		data, err := t.codec.Marshal(&rec)
		if err != nil {
			t.logger.Warn("could not encode tap record", "seq", rec.Seq, "error", err)
			continue
		}
		if err := t.sock.Send(data); err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			t.logger.Warn("could not publish tap record", "seq", rec.Seq, "error", err)
		}
	}
}

// Close flushes queued records and closes the socket. Publish must not be
// called after Close.
func (t *Tap) Close() error {
	if t == nil {
		return nil
	}
	var err error
	t.closeOnce.Do(func() {
		close(t.records)
		<-t.done
		err = t.sock.Close()
	})
	return err
}

// TapSubscriber receives records from a Tap.
type TapSubscriber struct {
	sock  mangos.Socket
	codec Codec
}

// SubscribeTap connects to a tap at addr. The codec must match the
// publisher's.
func SubscribeTap(addr string, codec Codec) (*TapSubscriber, error) {
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("could not create subscriber socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("could not subscribe: %w", err)
	}
	if err := sock.Dial(addr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("could not dial %q: %w", addr, err)
	}
	return &TapSubscriber{sock: sock, codec: codec}, nil
}

// SetRecvTimeout bounds how long Next waits. Zero waits forever.
func (s *TapSubscriber) SetRecvTimeout(d time.Duration) error {
	return s.sock.SetOption(mangos.OptionRecvDeadline, d)
}

// Next returns the next record. It returns ErrQueueClosed after Close.
func (s *TapSubscriber) Next() (TapRecord, error) {
	var rec TapRecord
	data, err := s.sock.Recv()
	if err != nil {
		if errors.Is(err, mangos.ErrClosed) {
			return rec, ErrQueueClosed
		}
		return rec, fmt.Errorf("could not receive tap record: %w", err)
	}
	if err := s.codec.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("could not decode tap record: %w", err)
	}
	return rec, nil
}

// Close closes the subscription.
func (s *TapSubscriber) Close() error { return s.sock.Close() }
