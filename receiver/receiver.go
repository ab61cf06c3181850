// Package receiver implements the Receiver FSM (C5, spec §4.5): the
// five-state (STARTING/IDLE/CONFIGURING/PAIRING/UNPAIRING) component
// that owns the session store, offers pairing over the private bus,
// and routes authenticated public-bus traffic to the host's act
// callback with replay defense.
//
// Like package transmitter, it runs as a single-goroutine mailbox
// actor grounded on go-pn532/polling/device_actor.go's ticker-plus-
// stopChan shape, generalized to a select over bus deliveries, timer
// fires, and host-op requests (spec §5). The pairing/unpairing
// transition logic is grounded on transport/receiver.go's
// StartPairing/ProcessFrame, restructured from blocking polling loops
// into event-driven callbacks.
package receiver

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
	"github.com/tommie/openepo/session"
	"github.com/tommie/openepo/wire"
)

const (
	// DefaultStartingDelay is how long the receiver stays in STARTING
	// after boot (spec §4.5: ">= 100 ms to defeat power-cycle
	// rate-limit bypass").
	DefaultStartingDelay = 100 * time.Millisecond
	// DefaultPairingTimeout is PAIRING's timeout (spec §4.5).
	DefaultPairingTimeout = 10 * time.Second
	// DefaultUnpairingTimeout is UNPAIRING's timeout (spec §4.5).
	DefaultUnpairingTimeout = 10 * time.Second
	// DefaultHelloInterval is how often HELLO is broadcast during
	// PAIRING (spec §4.5: "periodically (~400 ms)").
	DefaultHelloInterval = 400 * time.Millisecond
	// DefaultConfiguringAfterBind is CONFIGURING's window entered after
	// a successful BIND (spec §4.5: "go CONFIGURING with 30 s window").
	DefaultConfiguringAfterBind = 30 * time.Second
	// DefaultConfiguringAfterConfigure is CONFIGURING's window entered
	// by an authenticated CONFIGURE (spec §4.5).
	DefaultConfiguringAfterConfigure = 30 * time.Second
	// DefaultConfiguringAfterAct is CONFIGURING's window re-armed by an
	// accepted ACT (spec §4.5: "re-arm CONFIGURING for 10 s").
	DefaultConfiguringAfterAct = 10 * time.Second
	// DefaultSessionCapacity is N_MAX if the host does not configure
	// one (spec §4.3: "implementation-defined, >= 1").
	DefaultSessionCapacity = 8
)

// Config configures a new FSM.
type Config struct {
	PrivateBus bus.Bus
	PublicBus  bus.Bus
	Scheduler  scheduler.Scheduler
	Random     random.Source
	Host       action.ReceiverHost
	Log        logging.Logger
	Governor   *governor.Real

	// Persist, if set, is loaded on Start and written after every
	// mutation to the session table (spec §6).
	Persist *persist.Store

	SessionCapacity int

	// CandidateAlgorithms are offered in HELLO during pairing, in
	// preference order (spec §4.5: "default: AES-128-OCB tag-64").
	CandidateAlgorithms []wire.Algorithm

	// SupportedInterfaces is this receiver's own interface capability
	// set, advertised in HELLO (spec §4.5/§6).
	SupportedInterfaces []wire.InterfaceType

	StartingDelay             time.Duration
	PairingTimeout            time.Duration
	UnpairingTimeout          time.Duration
	HelloInterval             time.Duration
	ConfiguringAfterBind      time.Duration
	ConfiguringAfterConfigure time.Duration
	ConfiguringAfterAct       time.Duration
}

func (c *Config) setDefaults() {
	if c.Log == nil {
		c.Log = logging.Nop{}
	}
	if c.SessionCapacity <= 0 {
		c.SessionCapacity = DefaultSessionCapacity
	}
	if len(c.CandidateAlgorithms) == 0 {
		c.CandidateAlgorithms = []wire.Algorithm{wire.AlgorithmAESOCBTag64}
	}
	if c.SupportedInterfaces == nil {
		c.SupportedInterfaces = []wire.InterfaceType{wire.InterfaceButtonAct}
	}
	if c.StartingDelay <= 0 {
		c.StartingDelay = DefaultStartingDelay
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = DefaultPairingTimeout
	}
	if c.UnpairingTimeout <= 0 {
		c.UnpairingTimeout = DefaultUnpairingTimeout
	}
	if c.HelloInterval <= 0 {
		c.HelloInterval = DefaultHelloInterval
	}
	if c.ConfiguringAfterBind <= 0 {
		c.ConfiguringAfterBind = DefaultConfiguringAfterBind
	}
	if c.ConfiguringAfterConfigure <= 0 {
		c.ConfiguringAfterConfigure = DefaultConfiguringAfterConfigure
	}
	if c.ConfiguringAfterAct <= 0 {
		c.ConfiguringAfterAct = DefaultConfiguringAfterAct
	}
	if c.Governor == nil {
		c.Governor = governor.New(governor.Config{SymbolUnit: wire.MinSymbolUnit})
	}
}

// FSM is the Receiver state machine.
type FSM struct {
	cfg   Config
	store *session.Store

	mailbox chan func()
	done    chan struct{}
	closed  bool

	state action.ReceiverState

	pendingSessionID uint32
	pendingKey       [wire.KeyLen]byte

	stateTimeout scheduler.Cancel
	helloTicker  scheduler.Cancel
	unsubPublic  bus.Unsubscribe
}

// New returns a ready-to-Start FSM.
func New(cfg Config) *FSM {
	cfg.setDefaults()
	return &FSM{
		cfg:     cfg,
		store:   session.New(cfg.SessionCapacity),
		mailbox: make(chan func(), 8),
		done:    make(chan struct{}),
	}
}

// Start loads persisted sessions, subscribes to the public bus, and
// launches the actor loop, beginning in STARTING (spec §4.5).
func (f *FSM) Start() error {
	if f.cfg.Persist != nil {
		var saved persist.ReceiverState
		if err := f.cfg.Persist.Load(&saved); err == nil {
			for _, s := range saved.Sessions {
				_ = f.store.Insert(session.Record{
					SessionID: s.SessionID,
					Protection: session.Protection{
						Algorithm:         s.Algorithm,
						Key:               s.Key,
						LastAcceptedSeqNo: s.LastAcceptedSeqNo,
					},
				})
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	f.unsubPublic = f.cfg.PublicBus.Subscribe(func(frame []byte) {
		// Posted without waiting for it to run: a BIND can arrive while
		// the loop is itself inside a private-bus Send of HELLO, and
		// waiting here would deadlock the two actors.
		select {
		case f.mailbox <- func() { f.handlePublicFrame(frame) }:
		case <-f.done:
		}
	})
	go f.loop()

	f.enqueue(func() {
		f.state = action.ReceiverStarting
		f.cfg.Scheduler.SetTimeout(f.cfg.StartingDelay, func() {
			f.enqueue(func() {
				if f.closed {
					return
				}
				if f.store.Size() > 0 {
					f.setState(action.ReceiverIdle)
				} else {
					f.setState(action.ReceiverConfiguring)
				}
			})
		})
	})
	return nil
}

// Close unsubscribes from the bus, cancels pending timers, and stops
// the actor loop (spec §5).
func (f *FSM) Close() {
	f.enqueue(func() {
		if f.closed {
			return
		}
		f.closed = true
		f.cancelStateTimeout()
		f.cancelHelloTicker()
	})
	if f.unsubPublic != nil {
		f.unsubPublic()
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

func (f *FSM) enqueue(fn func()) {
	result := make(chan struct{})
	select {
	case f.mailbox <- func() { fn(); close(result) }:
		<-result
	case <-f.done:
	}
}

func (f *FSM) setState(s action.ReceiverState) {
	if f.state == s {
		return
	}
	f.state = s
	f.cfg.Host.StateChanged(s)
}

func (f *FSM) cancelStateTimeout() {
	if f.stateTimeout != nil {
		f.stateTimeout()
		f.stateTimeout = nil
	}
}

func (f *FSM) cancelHelloTicker() {
	if f.helloTicker != nil {
		f.helloTicker()
		f.helloTicker = nil
	}
}

func (f *FSM) persistSessions() {
	if f.cfg.Persist == nil {
		return
	}
	var st persist.ReceiverState
	f.store.Iter(func(r session.Record) {
		st.Sessions = append(st.Sessions, persist.ReceiverSession{
			SessionID:         r.SessionID,
			Algorithm:         r.Protection.Algorithm,
			Key:               r.Protection.Key,
			LastAcceptedSeqNo: r.Protection.LastAcceptedSeqNo,
		})
	})
	if err := f.cfg.Persist.Save(&st); err != nil {
		f.cfg.Log.Errorf("receiver: persist sessions: %v", err)
	}
}

// SetPairing implements set_pairing(): honored only from CONFIGURING
// (spec §4.5).
func (f *FSM) SetPairing() {
	f.enqueue(func() {
		if f.closed || f.state != action.ReceiverConfiguring {
			return
		}
		f.pendingSessionID = f.mintPendingSessionID()
		copy(f.pendingKey[:], f.cfg.Random.Bytes(wire.KeyLen))

		f.cancelStateTimeout()
		f.setState(action.ReceiverPairing)
		f.stateTimeout = f.cfg.Scheduler.SetTimeout(f.cfg.PairingTimeout, func() {
			f.enqueue(func() {
				if f.closed || f.state != action.ReceiverPairing {
					return
				}
				f.cfg.Log.Infof("receiver: pairing window expired")
				f.cancelHelloTicker()
				f.setState(action.ReceiverConfiguring)
			})
		})

		f.sendHello()
		f.helloTicker = f.cfg.Scheduler.SetInterval(f.cfg.HelloInterval, func() {
			f.enqueue(func() {
				if f.closed || f.state != action.ReceiverPairing {
					return
				}
				f.sendHello()
			})
		})
	})
}

// SetUnpairing implements set_unpairing(): honored only from
// CONFIGURING (spec §4.5).
func (f *FSM) SetUnpairing() {
	f.enqueue(func() {
		if f.closed || f.state != action.ReceiverConfiguring {
			return
		}
		f.cancelStateTimeout()
		f.setState(action.ReceiverUnpairing)
		f.stateTimeout = f.cfg.Scheduler.SetTimeout(f.cfg.UnpairingTimeout, func() {
			f.enqueue(func() {
				if f.closed || f.state != action.ReceiverUnpairing {
					return
				}
				f.cfg.Log.Infof("receiver: unpairing window expired")
				f.setState(action.ReceiverConfiguring)
			})
		})
	})
}

// FactoryReset implements factory_reset(): clears all sessions and
// timers, returning to STARTING then CONFIGURING (spec §4.5).
func (f *FSM) FactoryReset() {
	f.enqueue(func() {
		if f.closed {
			return
		}
		f.cancelStateTimeout()
		f.cancelHelloTicker()
		f.store.Iter(func(r session.Record) { f.store.Remove(r.SessionID) })
		f.persistSessions()
		f.setState(action.ReceiverStarting)
		f.stateTimeout = f.cfg.Scheduler.SetTimeout(f.cfg.StartingDelay, func() {
			f.enqueue(func() {
				if f.closed {
					return
				}
				f.setState(action.ReceiverConfiguring)
			})
		})
	})
}

func (f *FSM) mintPendingSessionID() uint32 {
	for i := 0; i < session.MaxIDDrawAttempts; i++ {
		id := random.Uint32(f.cfg.Random)
		if _, ok := f.store.Find(id); !ok {
			return id
		}
	}
	return random.Uint32(f.cfg.Random)
}

func (f *FSM) sendHello() {
	entries := make([]wire.HelloEntry, len(f.cfg.CandidateAlgorithms))
	for i, algo := range f.cfg.CandidateAlgorithms {
		entries[i] = wire.HelloEntry{Algorithm: algo, Key: f.pendingKey}
	}
	algo := f.cfg.CandidateAlgorithms[0]
	nonceLen, _ := algo.NonceLen()
	h := wire.Header{
		Type:       wire.TypeHello,
		SessionID:  f.pendingSessionID,
		Protection: wire.Protection{Algorithm: algo, Nonce: make([]byte, nonceLen)},
	}
	body := wire.HelloBody{Algorithms: entries, Interfaces: f.cfg.SupportedInterfaces}
	frame, err := wire.EncodeHello(h, body)
	if err != nil {
		f.cfg.Log.Errorf("receiver: encode hello: %v", err)
		return
	}
	if err := f.cfg.PrivateBus.Send(frame); err != nil {
		f.cfg.Log.Errorf("receiver: send hello: %v", err)
	}
}

func (f *FSM) handlePublicFrame(frame []byte) {
	if f.closed {
		return
	}
	now := time.Now()
	if err := f.cfg.Governor.AdmitReceive(now); err != nil {
		f.cfg.Log.Warnf("receiver: public frame dropped by governor: %v", err)
		return
	}
	h, plainBody, cipherBody, err := wire.Decode(frame)
	if err != nil {
		f.cfg.Governor.RecordError(now)
		return
	}

	switch h.Type {
	case wire.TypeBind:
		if f.state == action.ReceiverPairing {
			f.handleBind(h, plainBody, cipherBody)
		}
	case wire.TypeUnbind:
		if f.state == action.ReceiverUnpairing {
			f.handleUnbind(h, cipherBody)
		}
	case wire.TypeConfigure:
		if f.state == action.ReceiverIdle {
			f.handleConfigure(h, cipherBody)
		}
	case wire.TypeAct:
		if f.state == action.ReceiverIdle || f.state == action.ReceiverConfiguring {
			f.handleAct(h, cipherBody)
		}
	}
}

func (f *FSM) handleBind(h wire.Header, plainBody, cipherBody []byte) {
	if h.SessionID != f.pendingSessionID {
		return
	}
	unenc, err := wire.DecodeBindUnencryptedBody(plainBody)
	if err != nil {
		f.cfg.Governor.RecordError(time.Now())
		return
	}
	if !algorithmOffered(unenc.AlgorithmType, f.cfg.CandidateAlgorithms) {
		f.cfg.Governor.RecordError(time.Now())
		return
	}

	ad, err := wire.AssociatedData(h, plainBody)
	if err != nil {
		return
	}
	plaintext, err := crypto.Open(unenc.AlgorithmType, f.pendingKey[:], h.Protection.Nonce, ad, cipherBody)
	if err != nil {
		f.cfg.Log.Warnf("receiver: BIND auth failure")
		f.cfg.Governor.RecordError(time.Now())
		return
	}
	seq, _, err := wire.DecodeEncryptedHeader(plaintext)
	if err != nil {
		f.cfg.Governor.RecordError(time.Now())
		return
	}

	err = f.store.Insert(session.Record{
		SessionID: f.pendingSessionID,
		Protection: session.Protection{
			Algorithm:         unenc.AlgorithmType,
			Key:               f.pendingKey,
			LastAcceptedSeqNo: seq,
		},
	})
	if err != nil {
		f.cfg.Log.Warnf("receiver: session store full, dropping BIND: %v", err)
		return
	}
	f.persistSessions()

	f.cancelStateTimeout()
	f.cancelHelloTicker()
	f.sendBound(h.SessionID, unenc.AlgorithmType, f.pendingKey, seq)

	f.setState(action.ReceiverConfiguring)
	f.stateTimeout = f.cfg.Scheduler.SetTimeout(f.cfg.ConfiguringAfterBind, func() {
		f.enqueue(func() {
			if f.closed || f.state != action.ReceiverConfiguring {
				return
			}
			f.setState(action.ReceiverIdle)
		})
	})
}

func (f *FSM) sendBound(sessionID uint32, algo wire.Algorithm, key [wire.KeyLen]byte, seq uint32) {
	nonceLen, _ := algo.NonceLen()
	nonce := f.cfg.Random.Bytes(nonceLen)
	h := wire.Header{
		Type:       wire.TypeBound,
		SessionID:  sessionID,
		Protection: wire.Protection{Algorithm: algo, Nonce: nonce},
	}
	ad, err := wire.AssociatedData(h, nil)
	if err != nil {
		f.cfg.Log.Errorf("receiver: associated data: %v", err)
		return
	}
	ciphertext, err := crypto.Seal(algo, key[:], nonce, ad, wire.EncodeEncryptedHeader(seq, nil))
	if err != nil {
		f.cfg.Log.Errorf("receiver: seal bound: %v", err)
		return
	}
	frame, err := wire.EncodeEncryptedEnvelope(h, ciphertext)
	if err != nil {
		f.cfg.Log.Errorf("receiver: encode bound: %v", err)
		return
	}
	if err := f.cfg.PrivateBus.Send(frame); err != nil {
		f.cfg.Log.Errorf("receiver: send bound: %v", err)
	}
}

func (f *FSM) openSession(h wire.Header, cipherBody []byte) (session.Record, []byte, bool) {
	rec, ok := f.store.Find(h.SessionID)
	if !ok {
		return session.Record{}, nil, false
	}
	ad, err := wire.AssociatedData(h, nil)
	if err != nil {
		return session.Record{}, nil, false
	}
	plaintext, err := crypto.Open(rec.Protection.Algorithm, rec.Protection.Key[:], h.Protection.Nonce, ad, cipherBody)
	if err != nil {
		f.cfg.Governor.RecordError(time.Now())
		return session.Record{}, nil, false
	}
	seq, body, err := wire.DecodeEncryptedHeader(plaintext)
	if err != nil {
		f.cfg.Governor.RecordError(time.Now())
		return session.Record{}, nil, false
	}
	if seq <= rec.Protection.LastAcceptedSeqNo {
		f.cfg.Log.Infof("receiver: dropping replayed frame for session %08x", h.SessionID)
		return session.Record{}, nil, false
	}
	f.store.UpdateSeq(h.SessionID, seq)
	f.persistSessions()
	return rec, body, true
}

func (f *FSM) handleUnbind(h wire.Header, cipherBody []byte) {
	_, _, ok := f.openSession(h, cipherBody)
	if !ok {
		return
	}
	f.store.Remove(h.SessionID)
	f.persistSessions()
	f.cancelStateTimeout()
	f.setState(action.ReceiverIdle)
}

func (f *FSM) handleConfigure(h wire.Header, cipherBody []byte) {
	if _, _, ok := f.openSession(h, cipherBody); !ok {
		return
	}
	f.cancelStateTimeout()
	f.setState(action.ReceiverConfiguring)
	f.stateTimeout = f.cfg.Scheduler.SetTimeout(f.cfg.ConfiguringAfterConfigure, func() {
		f.enqueue(func() {
			if f.closed || f.state != action.ReceiverConfiguring {
				return
			}
			f.setState(action.ReceiverIdle)
		})
	})
}

func (f *FSM) handleAct(h wire.Header, cipherBody []byte) {
	_, body, ok := f.openSession(h, cipherBody)
	if !ok {
		return
	}
	act, err := wire.DecodeActBody(body)
	if err != nil {
		f.cfg.Governor.RecordError(time.Now())
		return
	}
	f.cfg.Host.Act(action.Action{Interface: act.Interface, Parameters: act.Parameters})

	f.cancelStateTimeout()
	f.setState(action.ReceiverConfiguring)
	f.stateTimeout = f.cfg.Scheduler.SetTimeout(f.cfg.ConfiguringAfterAct, func() {
		f.enqueue(func() {
			if f.closed || f.state != action.ReceiverConfiguring {
				return
			}
			f.setState(action.ReceiverIdle)
		})
	})
}

func algorithmOffered(algo wire.Algorithm, candidates []wire.Algorithm) bool {
	for _, c := range candidates {
		if c == algo {
			return true
		}
	}
	return false
}
