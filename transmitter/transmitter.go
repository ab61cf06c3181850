// Package transmitter implements the Transmitter FSM (C4, spec §4.4): a
// two-state (IDLE/PAIRING) component that adopts a session from a
// receiver's HELLO, confirms it with BIND/BOUND, and afterwards emits
// ACT/CONFIGURE/UNBIND on the public bus under the adopted key.
//
// It runs as a single-goroutine mailbox actor: every host operation and
// every bus delivery is a closure enqueued on one channel and drained
// by one loop goroutine, so all FSM state is touched from exactly one
// execution context (spec §5). Grounded on
// go-pn532/polling/device_actor.go's ticker-plus-stopChan shape,
// generalized from a fixed poll ticker to a select over bus deliveries,
// timer fires, and host-op requests. The transition logic itself —
// PAIRING timeout, first-supported-algorithm adoption, the unbound flag
// — is grounded on the teacher's StartPairing/ProcessFrame methods,
// restructured from blocking time.Sleep polling into event-driven
// callbacks fired by package scheduler and package bus.
package transmitter

import (
	"errors"
	"os"
	"time"

	"github.com/tommie/openepo/action"
	"github.com/tommie/openepo/bus"
	"github.com/tommie/openepo/crypto"
	"github.com/tommie/openepo/governor"
	"github.com/tommie/openepo/logging"
	"github.com/tommie/openepo/persist"
	"github.com/tommie/openepo/random"
	"github.com/tommie/openepo/scheduler"
	"github.com/tommie/openepo/wire"
)

// DefaultPairingTimeout is the PAIRING state's timeout before reverting
// to IDLE (spec §4.4: "arm a 10 s timeout that returns to IDLE").
const DefaultPairingTimeout = 10 * time.Second

// Config configures a new FSM. PrivateBus and PublicBus must be
// distinct buses per spec §6: HELLO/BOUND, the pairing handshake that
// bootstraps trust, travel on the private (trusted, line-of-sight)
// bus; BIND/UNBIND/CONFIGURE/ACT travel on the public (untrusted radio)
// bus once a session exists.
type Config struct {
	PrivateBus bus.Bus
	PublicBus  bus.Bus
	Scheduler  scheduler.Scheduler
	Random     random.Source
	Host       action.TransmitterHost
	Log        logging.Logger
	Governor   *governor.Real

	// Persist, if set, is loaded on Start and written after every state
	// change that must survive a crash (spec §6: "Transmitter MUST
	// persist its key/session_id/seq counter").
	Persist *persist.Store

	// SupportedAlgorithms lists the protection algorithms this
	// transmitter can adopt, in preference order (spec §4.4: "choose
	// the first supported protection_algorithm from the HELLO list" —
	// "supported" is evaluated against this set).
	SupportedAlgorithms []wire.Algorithm

	// InterfaceFilter, if non-nil, restricts which of a receiver's
	// advertised interfaces this transmitter will adopt (spec §4.4:
	// "host-supplied filter if present, else full set").
	InterfaceFilter []wire.InterfaceType

	// TransmitterID identifies this device in BIND (spec §6). If zero,
	// one is drawn from Random on first Start.
	TransmitterID [wire.TransmitterIDLen]byte

	PairingTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Log == nil {
		c.Log = logging.Nop{}
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = DefaultPairingTimeout
	}
	if len(c.SupportedAlgorithms) == 0 {
		c.SupportedAlgorithms = []wire.Algorithm{wire.AlgorithmAESOCBTag64, wire.AlgorithmAESOCBTag128}
	}
	if c.Governor == nil {
		c.Governor = governor.New(governor.Config{SymbolUnit: wire.MinSymbolUnit})
	}
}

// ErrClosed is returned by host operations called after Close.
var ErrClosed = errors.New("transmitter: fsm is closed")

// FSM is the Transmitter state machine.
type FSM struct {
	cfg Config

	mailbox chan func()
	done    chan struct{}
	closed  bool

	state         action.TransmitterState
	paired        bool
	unbound       bool
	sessionID     uint32
	algorithm     wire.Algorithm
	key           [wire.KeyLen]byte
	txSeq         uint32
	transmitterID [wire.TransmitterIDLen]byte

	pairingTimeout scheduler.Cancel
	unsubPrivate   bus.Unsubscribe
}

// New returns a ready-to-Start FSM in the IDLE state.
func New(cfg Config) *FSM {
	cfg.setDefaults()
	return &FSM{
		cfg:           cfg,
		mailbox:       make(chan func(), 8),
		done:          make(chan struct{}),
		state:         action.TransmitterIdle,
		transmitterID: cfg.TransmitterID,
	}
}

// Start loads any persisted state, subscribes to the private bus, and
// launches the actor loop.
func (f *FSM) Start() error {
	if f.transmitterID == [wire.TransmitterIDLen]byte{} {
		copy(f.transmitterID[:], f.cfg.Random.Bytes(wire.TransmitterIDLen))
	}
	if f.cfg.Persist != nil {
		var saved persist.TransmitterState
		if err := f.cfg.Persist.Load(&saved); err == nil {
			f.paired = saved.Paired
			f.unbound = saved.Unbound
			f.sessionID = saved.SessionID
			f.algorithm = saved.Algorithm
			f.key = saved.Key
			f.txSeq = saved.TxSeq
			f.transmitterID = saved.TransmitterID
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	f.unsubPrivate = f.cfg.PrivateBus.Subscribe(func(frame []byte) {
		f.enqueue(func() { f.handlePrivateFrame(frame) })
	})
	go f.loop()
	return nil
}

// Close unsubscribes from the bus, cancels pending timers, and stops
// the actor loop. Subsequent bus deliveries are ignored (spec §5:
// "close() ... subsequent bus deliveries are ignored").
func (f *FSM) Close() {
	f.enqueue(func() {
		if f.closed {
			return
		}
		f.closed = true
		if f.pairingTimeout != nil {
			f.pairingTimeout()
		}
	})
	if f.unsubPrivate != nil {
		f.unsubPrivate()
	}
	close(f.done)
}

func (f *FSM) loop() {
	for {
		select {
		case fn := <-f.mailbox:
			fn()
		case <-f.done:
			return
		}
	}
}

// enqueue runs fn on the actor loop and blocks until it has run,
// preserving arrival order across concurrent callers (spec §5:
// "callbacks are processed in arrival order").
func (f *FSM) enqueue(fn func()) {
	result := make(chan struct{})
	select {
	case f.mailbox <- func() { fn(); close(result) }:
		<-result
	case <-f.done:
	}
}

func (f *FSM) setState(s action.TransmitterState) {
	if f.state == s {
		return
	}
	f.state = s
	f.cfg.Host.StateChanged(s)
}

func (f *FSM) persistState() {
	if f.cfg.Persist == nil {
		return
	}
	st := persist.TransmitterState{
		Paired:        f.paired,
		Unbound:       f.unbound,
		SessionID:     f.sessionID,
		Algorithm:     f.algorithm,
		Key:           f.key,
		TxSeq:         f.txSeq,
		TransmitterID: f.transmitterID,
	}
	if err := f.cfg.Persist.Save(&st); err != nil {
		f.cfg.Log.Errorf("transmitter: persist state: %v", err)
	}
}

// SetPairing implements the set_pairing() host operation: any state ->
// PAIRING with a fresh timeout (spec §4.4).
func (f *FSM) SetPairing() {
	f.enqueue(func() {
		if f.closed {
			return
		}
		if f.pairingTimeout != nil {
			f.pairingTimeout()
		}
		f.setState(action.TransmitterPairing)
		f.pairingTimeout = f.cfg.Scheduler.SetTimeout(f.cfg.PairingTimeout, func() {
			f.enqueue(func() {
				if f.closed || f.state != action.TransmitterPairing {
					return
				}
				f.cfg.Log.Infof("transmitter: pairing window expired")
				f.setState(action.TransmitterIdle)
			})
		})
	})
}

// Act implements the act(a) host operation: emits ACT encrypted under
// the adopted key if paired and not unbound, else silently no-ops
// (spec §4.4).
func (f *FSM) Act(a action.Action) {
	f.enqueue(func() {
		if f.closed || !f.paired || f.unbound {
			return
		}
		body, err := wire.EncodeActBody(wire.ActBody{Interface: a.Interface, Parameters: a.Parameters})
		if err != nil {
			f.cfg.Log.Errorf("transmitter: encode act body: %v", err)
			return
		}
		f.sendEncrypted(wire.TypeAct, body)
	})
}

// SetConfiguring implements the set_configuring() host operation: emits
// CONFIGURE if paired and not unbound (spec §4.4).
func (f *FSM) SetConfiguring() {
	f.enqueue(func() {
		if f.closed || !f.paired || f.unbound {
			return
		}
		f.sendEncrypted(wire.TypeConfigure, nil)
	})
}

// Unpair implements the unpair() host operation: emits UNBIND, marks
// unbound, and notifies the host. Key and session_id are retained since
// delivery is unconfirmed (spec §4.4).
func (f *FSM) Unpair() {
	f.enqueue(func() {
		if f.closed || !f.paired {
			return
		}
		f.sendEncrypted(wire.TypeUnbind, nil)
		f.unbound = true
		f.persistState()
		f.cfg.Host.PairingChanged(false)
	})
}

// FactoryReset implements the factory_reset() host operation: wipes the
// key/session_id, mints a fresh transmitter_id, and returns to IDLE
// (spec §4.4/§9: factory reset regenerates transmitter_id).
func (f *FSM) FactoryReset() {
	f.enqueue(func() {
		if f.closed {
			return
		}
		if f.pairingTimeout != nil {
			f.pairingTimeout()
			f.pairingTimeout = nil
		}
		f.paired = false
		f.unbound = false
		f.sessionID = 0
		f.algorithm = 0
		f.key = [wire.KeyLen]byte{}
		f.txSeq = 0
		copy(f.transmitterID[:], f.cfg.Random.Bytes(wire.TransmitterIDLen))
		f.setState(action.TransmitterIdle)
		f.persistState()
	})
}

func (f *FSM) handlePrivateFrame(frame []byte) {
	if f.closed {
		return
	}
	now := time.Now()
	if err := f.cfg.Governor.AdmitReceive(now); err != nil {
		f.cfg.Log.Warnf("transmitter: private frame dropped by governor: %v", err)
		return
	}
	h, _, _, err := wire.Decode(frame)
	if err != nil {
		f.cfg.Governor.RecordError(now)
		return
	}

	switch h.Type {
	case wire.TypeHello:
		f.handleHello(frame)
	case wire.TypeBound:
		f.handleBound(frame)
	}
}

func (f *FSM) handleHello(frame []byte) {
	if f.state != action.TransmitterPairing {
		return
	}
	h, body, err := wire.DecodeHello(frame)
	if err != nil {
		f.cfg.Governor.RecordError(time.Now())
		return
	}

	entry, ok := f.firstSupportedEntry(body.Algorithms)
	if !ok {
		f.cfg.Log.Warnf("transmitter: HELLO carries no supported algorithm")
		return
	}

	// Open question (spec §9 "HELLO terminal conditions"): the
	// transmitter ignores a HELLO whose interface intersection is empty
	// and lets its own PAIRING timer expire, rather than binding to a
	// receiver it shares no interface with.
	interfaceTypes := intersectInterfaces(body.Interfaces, f.cfg.InterfaceFilter)
	if len(interfaceTypes) == 0 {
		f.cfg.Log.Warnf("transmitter: HELLO advertises no interfaces we support")
		return
	}

	f.sessionID = h.SessionID
	f.algorithm = entry.Algorithm
	f.key = entry.Key
	f.unbound = true
	f.persistState()
	bindBody, err := wire.EncodeBindEncrypted(wire.BindEncrypted{
		TransmitterID:  f.transmitterID,
		InterfaceTypes: interfaceTypes,
	})
	if err != nil {
		f.cfg.Log.Errorf("transmitter: encode bind body: %v", err)
		return
	}

	f.txSeq++
	seq := f.txSeq
	nonce := nonceForSeq(f.algorithm, seq)
	plaintext := wire.EncodeEncryptedHeader(seq, bindBody)

	hdr := wire.Header{
		Type:      wire.TypeBind,
		SessionID: f.sessionID,
		Protection: wire.Protection{
			Algorithm: f.algorithm,
			Nonce:     nonce,
		},
	}
	unenc := wire.BindUnencrypted{AlgorithmType: f.algorithm}
	ad, err := wire.AssociatedData(hdr, wire.EncodeBindUnencrypted(unenc))
	if err != nil {
		f.cfg.Log.Errorf("transmitter: associated data: %v", err)
		return
	}
	ciphertext, err := crypto.Seal(f.algorithm, f.key[:], nonce, ad, plaintext)
	if err != nil {
		f.cfg.Log.Errorf("transmitter: seal bind: %v", err)
		return
	}
	out, err := wire.EncodeBind(hdr, unenc, ciphertext)
	if err != nil {
		f.cfg.Log.Errorf("transmitter: encode bind: %v", err)
		return
	}
	f.persistState()
	f.sendBurst(wire.TypeBind, out)
}

func (f *FSM) handleBound(frame []byte) {
	if f.state != action.TransmitterPairing {
		return
	}
	h, cipher, err := wire.DecodeEncryptedEnvelope(frame)
	if err != nil || h.SessionID != f.sessionID {
		return
	}
	ad, err := wire.AssociatedData(h, nil)
	if err != nil {
		return
	}
	_, err = crypto.Open(f.algorithm, f.key[:], h.Protection.Nonce, ad, cipher)
	if err != nil {
		f.cfg.Log.Warnf("transmitter: BOUND auth failure")
		f.cfg.Governor.RecordError(time.Now())
		return
	}

	f.unbound = false
	f.paired = true
	if f.pairingTimeout != nil {
		f.pairingTimeout()
		f.pairingTimeout = nil
	}
	f.persistState()
	f.setState(action.TransmitterIdle)
	f.cfg.Host.PairingChanged(true)
}

// sendEncrypted builds and sends a BOUND-shaped envelope (UNBIND,
// CONFIGURE, ACT: empty unencrypted body, type-specific AEAD plaintext)
// under the adopted session on the public bus.
func (f *FSM) sendEncrypted(typ wire.MessageType, body []byte) {
	f.txSeq++
	seq := f.txSeq
	nonce := nonceForSeq(f.algorithm, seq)
	plaintext := wire.EncodeEncryptedHeader(seq, body)

	hdr := wire.Header{
		Type:      typ,
		SessionID: f.sessionID,
		Protection: wire.Protection{
			Algorithm: f.algorithm,
			Nonce:     nonce,
		},
	}
	ad, err := wire.AssociatedData(hdr, nil)
	if err != nil {
		f.cfg.Log.Errorf("transmitter: associated data: %v", err)
		return
	}
	ciphertext, err := crypto.Seal(f.algorithm, f.key[:], nonce, ad, plaintext)
	if err != nil {
		f.cfg.Log.Errorf("transmitter: seal %s: %v", typ, err)
		return
	}
	out, err := wire.EncodeEncryptedEnvelope(hdr, ciphertext)
	if err != nil {
		f.cfg.Log.Errorf("transmitter: encode %s: %v", typ, err)
		return
	}
	f.persistState()
	f.sendBurst(typ, out)
}

// sendBurst admits and sends frame, scheduling the two retransmissions
// a burst-marked frame requires (spec §4.6: every unacknowledged
// public-bus send is bursted three times).
func (f *FSM) sendBurst(typ wire.MessageType, frame []byte) {
	now := time.Now()
	if err := f.cfg.Governor.AdmitSend(typ, now); err != nil {
		f.cfg.Log.Warnf("transmitter: send %s denied by governor: %v", typ, err)
		return
	}
	if err := f.cfg.PublicBus.Send(frame); err != nil {
		f.cfg.Log.Errorf("transmitter: send %s: %v", typ, err)
		return
	}
	f.cfg.Governor.ScheduleBurst(f.cfg.Scheduler, func(int) {
		_ = f.cfg.PublicBus.Send(frame)
	})
}

func (f *FSM) firstSupportedEntry(entries []wire.HelloEntry) (wire.HelloEntry, bool) {
	for _, e := range entries {
		for _, supported := range f.cfg.SupportedAlgorithms {
			if e.Algorithm == supported {
				return e, true
			}
		}
	}
	return wire.HelloEntry{}, false
}

func intersectInterfaces(advertised, filter []wire.InterfaceType) []wire.InterfaceType {
	if filter == nil {
		out := make([]wire.InterfaceType, len(advertised))
		copy(out, advertised)
		return out
	}
	allowed := make(map[wire.InterfaceType]bool, len(filter))
	for _, it := range filter {
		allowed[it] = true
	}
	var out []wire.InterfaceType
	for _, it := range advertised {
		if allowed[it] {
			out = append(out, it)
		}
	}
	return out
}

// nonceForSeq derives the AEAD nonce from the outbound sequence counter
// (spec §4.2: "Nonce policy. Producer's responsibility... permits
// counter... all equally accepted"), right-aligning seq into the
// algorithm's nonce width.
func nonceForSeq(algo wire.Algorithm, seq uint32) []byte {
	n, ok := algo.NonceLen()
	if !ok {
		return nil
	}
	nonce := make([]byte, n)
	nonce[n-4] = byte(seq >> 24)
	nonce[n-3] = byte(seq >> 16)
	nonce[n-2] = byte(seq >> 8)
	nonce[n-1] = byte(seq)
	return nonce
}
