package transmitter

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
	"github.com/tommie/openepo/wire"
)

type fakeHost struct {
	mu             sync.Mutex
	states         []action.TransmitterState
	pairingChanges []bool
}

func (h *fakeHost) StateChanged(s action.TransmitterState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, s)
}

func (h *fakeHost) PairingChanged(paired bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pairingChanges = append(h.pairingChanges, paired)
}

func (h *fakeHost) pairingChangeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pairingChanges)
}

func (h *fakeHost) lastPairingChange() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pairingChanges[len(h.pairingChanges)-1]
}

func newTestFSM(t *testing.T, host action.TransmitterHost) (*FSM, *bus.Memory, *bus.Memory) {
	priv := bus.NewMemory()
	pub := bus.NewMemory()
	f := New(Config{
		PrivateBus: priv,
		PublicBus:  pub,
		Scheduler:  scheduler.NewReal(),
		Random:     testSource{},
		Host:       host,
		Governor:   governor.New(governor.Config{SymbolUnit: wire.MinSymbolUnit}),
	})
	require.NoError(t, f.Start())
	t.Cleanup(f.Close)
	return f, priv, pub
}

// testSource is a deterministic random.Source so tests can assert on
// the minted transmitter_id.
type testSource struct{}

func (testSource) Bytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i + 1)
	}
	return b
}

func sendHello(t *testing.T, priv *bus.Memory, sessionID uint32, algo wire.Algorithm, key [16]byte) {
	h := wire.Header{
		Type:      wire.TypeHello,
		SessionID: sessionID,
		Protection: wire.Protection{
			Algorithm: algo,
			Nonce:     make([]byte, mustNonceLen(algo)),
		},
	}
	body := wire.HelloBody{
		Algorithms: []wire.HelloEntry{{Algorithm: algo, Key: key}},
		Interfaces: []wire.InterfaceType{wire.InterfaceButtonAct},
	}
	frame, err := wire.EncodeHello(h, body)
	require.NoError(t, err)
	require.NoError(t, priv.Send(frame))
}

func mustNonceLen(algo wire.Algorithm) int {
	n, _ := algo.NonceLen()
	return n
}

// captureLatest waits until bus's sent log holds more than `from`
// frames, and returns the most recent one.
func captureLatest(t *testing.T, b *bus.Memory, from int) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := b.SentFrames()
		if len(frames) > from {
			return frames[len(frames)-1]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for frame")
	return nil
}

func TestSetPairingEntersPairingState(t *testing.T) {
	f, _, _ := newTestFSM(t, &fakeHost{})
	f.SetPairing()

	f.enqueue(func() {
		assert.Equal(t, action.TransmitterPairing, f.state)
	})
}

func TestHelloTriggersBindOnPublicBus(t *testing.T) {
	host := &fakeHost{}
	f, priv, pub := newTestFSM(t, host)
	f.SetPairing()

	key := [16]byte{1, 2, 3, 4}
	sendHello(t, priv, 0x11223344, wire.AlgorithmAESOCBTag64, key)

	bind := captureLatest(t, pub, -1)
	h, unenc, cipher, err := wire.DecodeBindUnencrypted(bind)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), h.SessionID)
	assert.Equal(t, wire.AlgorithmAESOCBTag64, unenc.AlgorithmType)

	ad, err := wire.AssociatedData(h, wire.EncodeBindUnencrypted(unenc))
	require.NoError(t, err)
	plaintext, err := crypto.Open(h.Protection.Algorithm, key[:], h.Protection.Nonce, ad, cipher)
	require.NoError(t, err)

	seq, body, err := wire.DecodeEncryptedHeader(plaintext)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)

	be, err := wire.DecodeBindEncrypted(body)
	require.NoError(t, err)
	assert.Equal(t, []wire.InterfaceType{wire.InterfaceButtonAct}, be.InterfaceTypes)
}

func TestBoundCompletesHandshake(t *testing.T) {
	host := &fakeHost{}
	f, priv, pub := newTestFSM(t, host)
	f.SetPairing()

	key := [16]byte{9, 9, 9}
	sessionID := uint32(0xAABBCCDD)
	sendHello(t, priv, sessionID, wire.AlgorithmAESOCBTag64, key)
	captureLatest(t, pub, -1) // wait for BIND

	// Simulate the receiver's BOUND reply.
	boundHdr := wire.Header{
		Type:      wire.TypeBound,
		SessionID: sessionID,
		Protection: wire.Protection{Algorithm: wire.AlgorithmAESOCBTag64, Nonce: []byte{0, 0, 0, 1}},
	}
	ad, err := wire.AssociatedData(boundHdr, nil)
	require.NoError(t, err)
	plaintext := wire.EncodeEncryptedHeader(1, nil)
	cipher, err := crypto.Seal(wire.AlgorithmAESOCBTag64, key[:], boundHdr.Protection.Nonce, ad, plaintext)
	require.NoError(t, err)
	boundFrame, err := wire.EncodeEncryptedEnvelope(boundHdr, cipher)
	require.NoError(t, err)
	require.NoError(t, priv.Send(boundFrame))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && host.pairingChangeCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, host.pairingChangeCount())
	assert.True(t, host.lastPairingChange())

	f.enqueue(func() {
		assert.Equal(t, action.TransmitterIdle, f.state)
		assert.True(t, f.paired)
		assert.False(t, f.unbound)
	})
}

func TestActNoOpsWhenUnpaired(t *testing.T) {
	f, _, pub := newTestFSM(t, &fakeHost{})
	f.Act(action.Action{Interface: wire.InterfaceButtonAct})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, pub.SentFrames())
}

func TestUnpairEmitsUnbindAndNotifiesHost(t *testing.T) {
	host := &fakeHost{}
	f, priv, pub := newTestFSM(t, host)
	f.SetPairing()

	key := [16]byte{5, 5, 5}
	sessionID := uint32(0x01020304)
	sendHello(t, priv, sessionID, wire.AlgorithmAESOCBTag64, key)
	captureLatest(t, pub, -1)

	boundHdr := wire.Header{
		Type:       wire.TypeBound,
		SessionID:  sessionID,
		Protection: wire.Protection{Algorithm: wire.AlgorithmAESOCBTag64, Nonce: []byte{0, 0, 0, 1}},
	}
	ad, err := wire.AssociatedData(boundHdr, nil)
	require.NoError(t, err)
	cipher, err := crypto.Seal(wire.AlgorithmAESOCBTag64, key[:], boundHdr.Protection.Nonce, ad, wire.EncodeEncryptedHeader(1, nil))
	require.NoError(t, err)
	boundFrame, err := wire.EncodeEncryptedEnvelope(boundHdr, cipher)
	require.NoError(t, err)
	require.NoError(t, priv.Send(boundFrame))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && host.pairingChangeCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, host.pairingChangeCount())

	before := len(pub.SentFrames())
	f.Unpair()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && host.pairingChangeCount() < 2 {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 2, host.pairingChangeCount())
	assert.False(t, host.lastPairingChange())
	assert.Greater(t, len(pub.SentFrames()), before)

	f.enqueue(func() {
		assert.True(t, f.paired)
		assert.True(t, f.unbound)
	})
}

func TestFactoryResetClearsState(t *testing.T) {
	f, _, _ := newTestFSM(t, &fakeHost{})
	f.SetPairing()
	f.FactoryReset()

	f.enqueue(func() {
		assert.False(t, f.paired)
		assert.False(t, f.unbound)
		assert.Equal(t, uint32(0), f.sessionID)
		assert.Equal(t, action.TransmitterIdle, f.state)
	})
}
