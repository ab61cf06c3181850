package persist

import "github.com/tommie/openepo/wire"

// TransmitterState is the transmitter FSM's persisted state (spec §6:
// "Transmitter MUST persist its key/session_id/seq counter").
type TransmitterState struct {
	Paired        bool
	Unbound       bool
	SessionID     uint32
	Algorithm     wire.Algorithm
	Key           [wire.KeyLen]byte
	TxSeq         uint32
	TransmitterID [wire.TransmitterIDLen]byte
}

// ReceiverSession is one persisted receiver-side session record (spec
// §6: "Receiver MUST persist its session table (ids, keys, last-seq)").
type ReceiverSession struct {
	SessionID         uint32
	Algorithm         wire.Algorithm
	Key               [wire.KeyLen]byte
	LastAcceptedSeqNo uint32
}

// ReceiverState is the receiver FSM's persisted state: its whole
// session table.
type ReceiverState struct {
	Sessions []ReceiverSession
}
