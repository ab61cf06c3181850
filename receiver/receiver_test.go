package receiver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommie/openepo/action"
	"github.com/tommie/openepo/bus"
	"github.com/tommie/openepo/crypto"
	"github.com/tommie/openepo/governor"
	"github.com/tommie/openepo/scheduler"
	"github.com/tommie/openepo/session"
	"github.com/tommie/openepo/wire"
)

type fakeHost struct {
	mu     sync.Mutex
	states []action.ReceiverState
	acts   []action.Action
}

func (h *fakeHost) StateChanged(s action.ReceiverState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, s)
}

func (h *fakeHost) Act(a action.Action) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acts = append(h.acts, a)
}

func (h *fakeHost) actCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.acts)
}

func (h *fakeHost) hasState(s action.ReceiverState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.states {
		if st == s {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

type testSource struct{ next byte }

func (s *testSource) Bytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		s.next++
		b[i] = s.next
	}
	return b
}

func newTestFSM(t *testing.T, host action.ReceiverHost) (*FSM, *bus.Memory, *bus.Memory) {
	priv := bus.NewMemory()
	pub := bus.NewMemory()
	f := New(Config{
		PrivateBus:       priv,
		PublicBus:        pub,
		Scheduler:        scheduler.NewReal(),
		Random:           &testSource{},
		Host:             host,
		Governor:         governor.New(governor.Config{SymbolUnit: wire.MinSymbolUnit}),
		StartingDelay:    5 * time.Millisecond,
		PairingTimeout:   300 * time.Millisecond,
		UnpairingTimeout: 300 * time.Millisecond,
		HelloInterval:    20 * time.Millisecond,
	})
	require.NoError(t, f.Start())
	t.Cleanup(f.Close)
	return f, priv, pub
}

func waitUntilConfiguring(t *testing.T, f *FSM) {
	t.Helper()
	waitFor(t, func() bool {
		done := make(chan action.ReceiverState, 1)
		f.enqueue(func() { done <- f.state })
		return <-done == action.ReceiverConfiguring
	})
}

func captureHello(t *testing.T, priv *bus.Memory, from int) (wire.Header, wire.HelloBody) {
	t.Helper()
	var frame []byte
	waitFor(t, func() bool {
		frames := priv.SentFrames()
		if len(frames) > from {
			frame = frames[len(frames)-1]
			return true
		}
		return false
	})
	h, body, err := wire.DecodeHello(frame)
	require.NoError(t, err)
	return h, body
}

func sealAndSendBind(t *testing.T, pub *bus.Memory, sessionID uint32, algo wire.Algorithm, key [16]byte, seq uint32, transmitterID [wire.TransmitterIDLen]byte, ifaces []wire.InterfaceType) {
	t.Helper()
	unenc := wire.BindUnencrypted{AlgorithmType: algo}
	nlen, _ := algo.NonceLen()
	nonce := make([]byte, nlen)
	nonce[nlen-1] = byte(seq)

	h := wire.Header{Type: wire.TypeBind, SessionID: sessionID, Protection: wire.Protection{Algorithm: algo, Nonce: nonce}}
	ad, err := wire.AssociatedData(h, wire.EncodeBindUnencrypted(unenc))
	require.NoError(t, err)

	beBytes, err := wire.EncodeBindEncrypted(wire.BindEncrypted{TransmitterID: transmitterID, InterfaceTypes: ifaces})
	require.NoError(t, err)
	plaintext := wire.EncodeEncryptedHeader(seq, beBytes)

	cipher, err := crypto.Seal(algo, key[:], nonce, ad, plaintext)
	require.NoError(t, err)

	frame, err := wire.EncodeBind(h, unenc, cipher)
	require.NoError(t, err)
	require.NoError(t, pub.Send(frame))
}

func sealAndSendEnvelope(t *testing.T, pub *bus.Memory, typ wire.MessageType, sessionID uint32, algo wire.Algorithm, key [16]byte, seq uint32, body []byte) {
	t.Helper()
	nlen, _ := algo.NonceLen()
	nonce := make([]byte, nlen)
	nonce[nlen-1] = byte(seq)

	h := wire.Header{Type: typ, SessionID: sessionID, Protection: wire.Protection{Algorithm: algo, Nonce: nonce}}
	ad, err := wire.AssociatedData(h, nil)
	require.NoError(t, err)

	plaintext := wire.EncodeEncryptedHeader(seq, body)
	cipher, err := crypto.Seal(algo, key[:], nonce, ad, plaintext)
	require.NoError(t, err)

	frame, err := wire.EncodeEncryptedEnvelope(h, cipher)
	require.NoError(t, err)
	require.NoError(t, pub.Send(frame))
}

func TestBootWithNoSessionsEntersConfiguring(t *testing.T) {
	f, _, _ := newTestFSM(t, &fakeHost{})
	waitUntilConfiguring(t, f)
}

func TestSetPairingBroadcastsHelloWithSharedKeyAcrossCandidates(t *testing.T) {
	host := &fakeHost{}
	f, priv, _ := newTestFSM(t, host)
	waitUntilConfiguring(t, f)

	f.SetPairing()
	_, body := captureHello(t, priv, -1)
	require.NotEmpty(t, body.Algorithms)
	firstKey := body.Algorithms[0].Key
	for _, e := range body.Algorithms {
		assert.Equal(t, firstKey, e.Key)
	}
}

func TestHappyPairingHandshake(t *testing.T) {
	host := &fakeHost{}
	f, priv, pub := newTestFSM(t, host)
	waitUntilConfiguring(t, f)

	f.SetPairing()
	h, body := captureHello(t, priv, -1)
	algo := body.Algorithms[0].Algorithm
	key := body.Algorithms[0].Key

	var txID [wire.TransmitterIDLen]byte
	txID[0] = 0xAB
	sealAndSendBind(t, pub, h.SessionID, algo, key, 1, txID, []wire.InterfaceType{wire.InterfaceButtonAct})

	boundFrames := waitForBound(t, priv)
	boundHdr, cipher, err := wire.DecodeEncryptedEnvelope(boundFrames)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeBound, boundHdr.Type)
	assert.Equal(t, h.SessionID, boundHdr.SessionID)

	ad, err := wire.AssociatedData(boundHdr, nil)
	require.NoError(t, err)
	plaintext, err := crypto.Open(boundHdr.Protection.Algorithm, key[:], boundHdr.Protection.Nonce, ad, cipher)
	require.NoError(t, err)
	seq, _, err := wire.DecodeEncryptedHeader(plaintext)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)

	waitFor(t, func() bool { return host.hasState(action.ReceiverConfiguring) })

	// Now a correctly sequenced ACT is accepted.
	actBody, err := wire.EncodeActBody(wire.ActBody{Interface: wire.InterfaceButtonAct})
	require.NoError(t, err)
	sealAndSendEnvelope(t, pub, wire.TypeAct, h.SessionID, algo, key, 2, actBody)

	waitFor(t, func() bool { return host.actCount() == 1 })
}

// waitForBound waits for a BOUND frame to appear on b and returns it.
func waitForBound(t *testing.T, b *bus.Memory) []byte {
	t.Helper()
	var frame []byte
	waitFor(t, func() bool {
		for _, f := range b.SentFrames() {
			h, _, _, err := wire.Decode(f)
			if err == nil && h.Type == wire.TypeBound {
				frame = f
				return true
			}
		}
		return false
	})
	return frame
}

func TestBindOutsideSessionIDIsIgnored(t *testing.T) {
	host := &fakeHost{}
	f, priv, pub := newTestFSM(t, host)
	waitUntilConfiguring(t, f)

	f.SetPairing()
	_, body := captureHello(t, priv, -1)
	algo := body.Algorithms[0].Algorithm
	key := body.Algorithms[0].Key

	var txID [wire.TransmitterIDLen]byte
	sealAndSendBind(t, pub, 0xDEADBEEF, algo, key, 1, txID, nil)

	time.Sleep(50 * time.Millisecond)
	for _, frame := range priv.SentFrames() {
		h, _, _, err := wire.Decode(frame)
		require.NoError(t, err)
		assert.NotEqual(t, wire.TypeBound, h.Type)
	}
}

func TestBindWhileNotPairingIsIgnored(t *testing.T) {
	host := &fakeHost{}
	f, _, pub := newTestFSM(t, host)
	waitUntilConfiguring(t, f)

	var txID [wire.TransmitterIDLen]byte
	sealAndSendBind(t, pub, 1, wire.AlgorithmAESOCBTag64, [16]byte{1}, 1, txID, nil)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, host.actCount())
	assert.False(t, host.hasState(action.ReceiverIdle))
}

func TestReplayedActIsDroppedSilently(t *testing.T) {
	host := &fakeHost{}
	f, priv, pub := newTestFSM(t, host)
	waitUntilConfiguring(t, f)

	f.SetPairing()
	h, body := captureHello(t, priv, -1)
	algo := body.Algorithms[0].Algorithm
	key := body.Algorithms[0].Key
	var txID [wire.TransmitterIDLen]byte
	sealAndSendBind(t, pub, h.SessionID, algo, key, 1, txID, []wire.InterfaceType{wire.InterfaceButtonAct})
	waitForBound(t, priv)
	waitFor(t, func() bool { return host.hasState(action.ReceiverConfiguring) })

	actBody, err := wire.EncodeActBody(wire.ActBody{Interface: wire.InterfaceButtonAct})
	require.NoError(t, err)
	sealAndSendEnvelope(t, pub, wire.TypeAct, h.SessionID, algo, key, 2, actBody)
	waitFor(t, func() bool { return host.actCount() == 1 })

	// Replay the exact same seq=2 frame again: must not invoke Act again.
	sealAndSendEnvelope(t, pub, wire.TypeAct, h.SessionID, algo, key, 2, actBody)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, host.actCount())
}

func TestAuthFailureOnActIsDroppedSilently(t *testing.T) {
	host := &fakeHost{}
	f, priv, pub := newTestFSM(t, host)
	waitUntilConfiguring(t, f)

	f.SetPairing()
	h, body := captureHello(t, priv, -1)
	algo := body.Algorithms[0].Algorithm
	key := body.Algorithms[0].Key
	var txID [wire.TransmitterIDLen]byte
	sealAndSendBind(t, pub, h.SessionID, algo, key, 1, txID, []wire.InterfaceType{wire.InterfaceButtonAct})
	waitForBound(t, priv)
	waitFor(t, func() bool { return host.hasState(action.ReceiverConfiguring) })

	actBody, err := wire.EncodeActBody(wire.ActBody{Interface: wire.InterfaceButtonAct})
	require.NoError(t, err)

	nlen, _ := algo.NonceLen()
	nonce := make([]byte, nlen)
	nonce[nlen-1] = 2
	badHdr := wire.Header{Type: wire.TypeAct, SessionID: h.SessionID, Protection: wire.Protection{Algorithm: algo, Nonce: nonce}}
	var wrongKey [16]byte
	wrongKey[0] = 0xFF
	ad, err := wire.AssociatedData(badHdr, nil)
	require.NoError(t, err)
	cipher, err := crypto.Seal(algo, wrongKey[:], nonce, ad, wire.EncodeEncryptedHeader(2, actBody))
	require.NoError(t, err)
	frame, err := wire.EncodeEncryptedEnvelope(badHdr, cipher)
	require.NoError(t, err)
	require.NoError(t, pub.Send(frame))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, host.actCount())
}

func TestGovernorHoldOffAfterErrorDropsSubsequentValidFrame(t *testing.T) {
	host := &fakeHost{}
	f, priv, pub := newTestFSM(t, host)
	waitUntilConfiguring(t, f)

	f.SetPairing()
	h, body := captureHello(t, priv, -1)
	algo := body.Algorithms[0].Algorithm
	key := body.Algorithms[0].Key
	var txID [wire.TransmitterIDLen]byte
	sealAndSendBind(t, pub, h.SessionID, algo, key, 1, txID, []wire.InterfaceType{wire.InterfaceButtonAct})
	waitForBound(t, priv)
	waitFor(t, func() bool { return host.hasState(action.ReceiverConfiguring) })

	// A garbled, undecodable frame on the public bus records a framing
	// error and arms the governor's >=64-preamble-length hold-off (spec
	// §4.6). A validly-sealed, correctly-sequenced ACT sent immediately
	// after must still be dropped while that hold-off is in effect.
	require.NoError(t, pub.Send([]byte{0xFF}))

	actBody, err := wire.EncodeActBody(wire.ActBody{Interface: wire.InterfaceButtonAct})
	require.NoError(t, err)
	sealAndSendEnvelope(t, pub, wire.TypeAct, h.SessionID, algo, key, 2, actBody)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 0, host.actCount(), "ACT sent during the hold-off window must be dropped")

	// 64 preamble-lengths at wire.MinSymbolUnit is ~13.4 ms; wait past
	// it before sending the next frame, since a frame that lands inside
	// the window is dropped outright rather than retried.
	time.Sleep(20 * time.Millisecond)
	sealAndSendEnvelope(t, pub, wire.TypeAct, h.SessionID, algo, key, 3, actBody)
	waitFor(t, func() bool { return host.actCount() == 1 })
}

func TestUnpairRoundTrip(t *testing.T) {
	host := &fakeHost{}
	f, priv, pub := newTestFSM(t, host)
	waitUntilConfiguring(t, f)

	f.SetPairing()
	h, body := captureHello(t, priv, -1)
	algo := body.Algorithms[0].Algorithm
	key := body.Algorithms[0].Key
	var txID [wire.TransmitterIDLen]byte
	sealAndSendBind(t, pub, h.SessionID, algo, key, 1, txID, []wire.InterfaceType{wire.InterfaceButtonAct})
	waitForBound(t, priv)
	waitFor(t, func() bool { return host.hasState(action.ReceiverConfiguring) })

	f.SetUnpairing()
	sealAndSendEnvelope(t, pub, wire.TypeUnbind, h.SessionID, algo, key, 2, nil)

	waitFor(t, func() bool { return host.hasState(action.ReceiverIdle) })
	f.enqueue(func() {
		_, ok := f.store.Find(h.SessionID)
		assert.False(t, ok)
	})
}

func TestConfigureFromIdleTransitionsToConfiguring(t *testing.T) {
	host := &fakeHost{}
	f, priv, pub := newTestFSM(t, host)
	waitUntilConfiguring(t, f)

	f.SetPairing()
	h, body := captureHello(t, priv, -1)
	algo := body.Algorithms[0].Algorithm
	key := body.Algorithms[0].Key
	var txID [wire.TransmitterIDLen]byte
	sealAndSendBind(t, pub, h.SessionID, algo, key, 1, txID, []wire.InterfaceType{wire.InterfaceButtonAct})
	waitForBound(t, priv)
	waitFor(t, func() bool { return host.hasState(action.ReceiverConfiguring) })

	// Wait for the post-bind CONFIGURING window to expire back to IDLE.
	f.enqueue(func() { f.cancelStateTimeout() })
	f.enqueue(func() { f.setState(action.ReceiverIdle) })

	sealAndSendEnvelope(t, pub, wire.TypeConfigure, h.SessionID, algo, key, 2, nil)
	waitFor(t, func() bool {
		done := make(chan action.ReceiverState, 1)
		f.enqueue(func() { done <- f.state })
		return <-done == action.ReceiverConfiguring
	})
}

func TestFactoryResetClearsSessionsAndReturnsToConfiguring(t *testing.T) {
	host := &fakeHost{}
	f, priv, pub := newTestFSM(t, host)
	waitUntilConfiguring(t, f)

	f.SetPairing()
	h, body := captureHello(t, priv, -1)
	algo := body.Algorithms[0].Algorithm
	key := body.Algorithms[0].Key
	var txID [wire.TransmitterIDLen]byte
	sealAndSendBind(t, pub, h.SessionID, algo, key, 1, txID, []wire.InterfaceType{wire.InterfaceButtonAct})
	waitForBound(t, priv)
	waitFor(t, func() bool { return host.hasState(action.ReceiverConfiguring) })

	f.FactoryReset()
	waitFor(t, func() bool {
		done := make(chan int, 1)
		f.enqueue(func() { done <- f.store.Size() })
		return <-done == 0
	})
	waitUntilConfiguring(t, f)
}

func TestSessionCapacityExhaustedDuringPairingDropsBindAndStaysPairing(t *testing.T) {
	host := &fakeHost{}
	priv := bus.NewMemory()
	pub := bus.NewMemory()
	f := New(Config{
		PrivateBus:       priv,
		PublicBus:        pub,
		Scheduler:        scheduler.NewReal(),
		Random:           &testSource{},
		Host:             host,
		Governor:         governor.New(governor.Config{SymbolUnit: wire.MinSymbolUnit}),
		StartingDelay:    5 * time.Millisecond,
		PairingTimeout:   300 * time.Millisecond,
		HelloInterval:    20 * time.Millisecond,
		SessionCapacity:  1,
	})
	require.NoError(t, f.Start())
	t.Cleanup(f.Close)
	waitUntilConfiguring(t, f)

	// Fill the only slot directly.
	f.enqueue(func() {
		_ = f.store.Insert(session.Record{
			SessionID: 0x99999999,
			Protection: session.Protection{
				Algorithm: wire.AlgorithmAESOCBTag64,
				Key:       [wire.KeyLen]byte{0xEE},
			},
		})
	})

	f.SetPairing()
	h, body := captureHello(t, priv, -1)
	algo := body.Algorithms[0].Algorithm
	key := body.Algorithms[0].Key
	var txID [wire.TransmitterIDLen]byte
	sealAndSendBind(t, pub, h.SessionID, algo, key, 1, txID, nil)

	time.Sleep(50 * time.Millisecond)
	f.enqueue(func() {
		assert.Equal(t, action.ReceiverPairing, f.state)
		assert.Equal(t, 1, f.store.Size())
	})
}
