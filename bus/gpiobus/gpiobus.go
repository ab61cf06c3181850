// Package gpiobus adapts package bus's public and private bus
// abstractions to real GPIO lines: a bit-banged OOK-PWM line driver for
// the public bus (spec §4.1/§6's symbol timeline) and a plain digital
// LED/photodetector pair for the private bus's short-range trusted
// channel. Both satisfy bus.Bus.
//
// Grounded on ZaparooProject-go-pn532's transport/i2c/i2c.go host-init-
// then-acquire-line sequence (host.Init() followed by opening a named
// line via periph.io's registry) and on the teacher's driver/nrf vs
// driver/stub split: a real-hardware driver package living beside the
// in-memory test driver, both satisfying the same interface.
package gpiobus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/tommie/openepo/bus"
	"github.com/tommie/openepo/governor"
	"github.com/tommie/openepo/wire"
)

// initHost wraps host.Init, done once per process the way the teacher's
// i2c.New does at the start of every Transport constructor.
var (
	hostInitOnce sync.Once
	hostInitErr  error
)

func initHost() error {
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	return hostInitErr
}

// openPin resolves a GPIO line by name via periph.io's registry, the
// same lookup-by-name shape as i2c.New's i2creg.Open.
func openPin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpiobus: no such GPIO pin %q", name)
	}
	return p, nil
}

// idleSilenceUnits is how many symbol units of continuous off-time after at least one pulse
// has been seen marks the end of a frame, used by both receivers since
// OOK-PWM carries no explicit end-of-transmission marker on the wire
// beyond the symbol-level EOF bit spec §4.1 defines (which is only
// recoverable after the pulse timeline is fully captured).
const idleSilenceUnits = 6

// OOKBus drives the public bus over one GPIO output pin (the
// transmitter) and reads it back over one GPIO input pin (the
// receiver), bit-banging spec §4.1's OOK-PWM symbol timeline in
// software. On a microcontroller target this would be replaced by a
// hardware PWM/timer peripheral; here it is synchronous goroutine
// timing, adequate for the reference software receiver but not for
// production-grade jitter tolerance.
type OOKBus struct {
	out  gpio.PinOut
	in   gpio.PinIn
	unit time.Duration
	gov  *governor.Real

	mu   sync.Mutex
	subs map[int]bus.Handler
	next int

	cancel context.CancelFunc
}

// NewOOKBus opens outPin and inPin by name and starts the background
// receive loop. unit must be >= wire.MinSymbolUnit. gov must be the
// same *governor.Real the owning FSM uses, so a framing/auth error it
// records (RecordError) also silences this bus's own acceptance of a
// new preamble (spec §4.6's >=64-preamble-length hold-off applies at
// the earliest point a preamble could be mistaken for a frame, not
// just once a frame has been handed to the FSM).
func NewOOKBus(outPin, inPin string, unit time.Duration, gov *governor.Real) (*OOKBus, error) {
	if err := initHost(); err != nil {
		return nil, fmt.Errorf("gpiobus: init host: %w", err)
	}
	out, err := openPin(outPin)
	if err != nil {
		return nil, err
	}
	in, err := openPin(inPin)
	if err != nil {
		return nil, err
	}
	if err := out.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("gpiobus: drive %s low: %w", outPin, err)
	}
	if err := in.In(gpio.PullDown, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("gpiobus: arm %s for edges: %w", inPin, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &OOKBus{
		out:    out.(gpio.PinOut),
		in:     in,
		unit:   unit,
		gov:    gov,
		subs:   make(map[int]bus.Handler),
		cancel: cancel,
	}
	go b.receiveLoop(ctx)
	return b, nil
}

// Send bit-bangs frame's OOK-PWM timeline onto the output pin.
func (b *OOKBus) Send(frame []byte) error {
	for _, p := range wire.Symbolize(frame, b.unit) {
		if err := b.out.Out(gpio.High); err != nil {
			return fmt.Errorf("gpiobus: drive high: %w", err)
		}
		time.Sleep(p.On)
		if err := b.out.Out(gpio.Low); err != nil {
			return fmt.Errorf("gpiobus: drive low: %w", err)
		}
		time.Sleep(p.Off)
	}
	return nil
}

// Subscribe registers h to receive every frame this bus decodes off the
// input pin from now on.
func (b *OOKBus) Subscribe(h bus.Handler) bus.Unsubscribe {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Close stops the receive loop. The underlying pins are left as
// periph.io leaves them; it has no explicit release call.
func (b *OOKBus) Close() {
	b.cancel()
}

func (b *OOKBus) dispatch(frame []byte) {
	b.mu.Lock()
	handlers := make([]bus.Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(frame)
	}
}

// receiveLoop watches the input pin for edges and accumulates a pulse
// timeline (only each symbol's On duration matters: wire.Desymbolize
// classifies a symbol purely from Pulse.On, so the Off field below is
// left zero). It decodes and dispatches once idleSilenceUnits worth of
// continuous low time follows a captured rising/falling pair — the
// software equivalent of detecting end-of-transmission on a line with
// no explicit framing marker outside the symbol payload itself.
func (b *OOKBus) receiveLoop(ctx context.Context) {
	var pulses []wire.Pulse
	var risingAt time.Time
	var lastFallingAt time.Time
	high := b.in.Read() == gpio.High

	for {
		if ctx.Err() != nil {
			return
		}

		if !b.in.WaitForEdge(b.unit) {
			if !high && len(pulses) > 0 && time.Since(lastFallingAt) >= idleSilenceUnits*b.unit {
				if b.gov.AdmitReceive(time.Now()) == nil {
					if msg, err := wire.Desymbolize(pulses, b.unit); err == nil {
						b.dispatch(msg)
					}
				}
				pulses = nil
			}
			continue
		}

		now := time.Now()
		newHigh := b.in.Read() == gpio.High
		if newHigh == high {
			continue
		}
		if newHigh {
			risingAt = now
		} else if !risingAt.IsZero() {
			pulses = append(pulses, wire.Pulse{On: now.Sub(risingAt)})
			lastFallingAt = now
		}
		high = newHigh
	}
}

var _ bus.Bus = (*OOKBus)(nil)
