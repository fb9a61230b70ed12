package types

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func randHash(b byte) Hash {
	var h Hash
	for i := range h {
		h[i] = b + byte(i)
	}
	return h
}

func fullSignature(b byte) Signature {
	var s Signature
	for i := range s {
		s[i] = b ^ byte(i)
	}
	return s
}

func makeRecovery(view uint8, entries int, withRequest bool) *RecoveryMessage {
	msg := &RecoveryMessage{ViewNumber: view}
	for i := 0; i < entries; i++ {
		msg.ChangeViewMessages = append(msg.ChangeViewMessages, ChangeViewCompact{
			ValidatorIndex:     uint16(i),
			OriginalViewNumber: view,
			NewViewNumber:      view + 1,
			Timestamp:          1600000000000 + uint64(i),
			Witness:            fullSignature(byte(i)),
		})
		msg.PreparationMessages = append(msg.PreparationMessages, PreparationCompact{
			ValidatorIndex: uint16(i),
			Witness:        fullSignature(byte(i + 10)),
		})
		msg.CommitMessages = append(msg.CommitMessages, CommitCompact{
			ValidatorIndex: uint16(i),
			ViewNumber:     view,
			Signature:      fullSignature(byte(i + 20)),
			Witness:        fullSignature(byte(i + 30)),
		})
	}
	if withRequest {
		tx := Tx("first")
		msg.PrepareRequestMessage = &PrepareRequest{
			ViewNumber:        view,
			Timestamp:         1600000000000,
			Nonce:             42,
			NextConsensus:     randHash(9),
			TransactionHashes: []Hash{tx.Hash()},
			FirstTransaction:  tx,
		}
	} else if entries > 0 {
		h := randHash(3)
		msg.PreparationHash = &h
	}
	return msg
}

func TestMessageRoundTrip(t *testing.T) {
	tx1, tx2, tx3 := Tx("tx-1"), Tx("tx-2"), Tx("tx-3")

	testCases := []struct {
		name string
		msg  ConsensusMessage
	}{
		{"change view", &ChangeView{ViewNumber: 0, NewViewNumber: 1, Timestamp: 1600000000123, Reason: CVTimeout}},
		{"change view max", &ChangeView{ViewNumber: 254, NewViewNumber: 255, Timestamp: ^uint64(0), Reason: CVBlockRejectedByPolicy}},
		{"prepare request empty", &PrepareRequest{ViewNumber: 1, Timestamp: 1, Nonce: 7, NextConsensus: randHash(1)}},
		{"prepare request one tx", &PrepareRequest{
			ViewNumber: 0, Timestamp: 1600000000000, Nonce: ^uint64(0), NextConsensus: randHash(2),
			TransactionHashes: []Hash{tx1.Hash()}, FirstTransaction: tx1,
		}},
		{"prepare request many txs", &PrepareRequest{
			ViewNumber: 3, Timestamp: 1600000000000, Nonce: 1, NextConsensus: randHash(2),
			TransactionHashes: []Hash{tx1.Hash(), tx2.Hash(), tx3.Hash()}, FirstTransaction: tx1,
		}},
		{"prepare response", &PrepareResponse{ViewNumber: 2, PreparationHash: randHash(5)}},
		{"commit boundary signature", &Commit{ViewNumber: 0, Signature: fullSignature(0xff)}},
		{"recovery request", &RecoveryRequest{ViewNumber: 4, Timestamp: 1600000000000}},
		{"recovery message empty", makeRecovery(0, 0, false)},
		{"recovery message n-1 entries", makeRecovery(1, 3, true)},
		{"recovery message preparation hash", makeRecovery(2, 3, false)},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			bz := EncodeMessage(tc.msg)
			assert.Equal(t, byte(tc.msg.Type()), bz[0])
			assert.Equal(t, tc.msg.View(), bz[1])

			decoded, err := DecodeMessage(bz)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, decoded)
			assert.True(t, bytes.Equal(bz, EncodeMessage(decoded)), "encoding must be deterministic")
		})
	}
}

func TestDecodeMessageRejectsMalformed(t *testing.T) {
	tx := Tx("tx")
	good := EncodeMessage(&PrepareRequest{
		Timestamp: 1, NextConsensus: randHash(1),
		TransactionHashes: []Hash{tx.Hash()}, FirstTransaction: tx,
	})

	testCases := []struct {
		name string
		bz   []byte
	}{
		{"empty", nil},
		{"unknown type", []byte{0x99, 0x00}},
		{"truncated", good[:len(good)-3]},
		{"trailing", append(append([]byte{}, good...), 0x01)},
		{"change view to view zero", EncodeMessage(&ChangeView{NewViewNumber: 0})},
		{"change view backwards", EncodeMessage(&ChangeView{ViewNumber: 3, NewViewNumber: 2})},
		{"duplicate hashes", EncodeMessage(&PrepareRequest{
			TransactionHashes: []Hash{tx.Hash(), tx.Hash()}, FirstTransaction: tx,
		})},
		{"first tx mismatch", EncodeMessage(&PrepareRequest{
			TransactionHashes: []Hash{randHash(4)}, FirstTransaction: tx,
		})},
		{"empty commit", EncodeMessage(&Commit{})},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeMessage(tc.bz)
			assert.Error(t, err)
		})
	}
}

func TestChangeViewRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		view := rapid.Uint8Max(254).Draw(t, "view")
		msg := &ChangeView{
			ViewNumber:    view,
			NewViewNumber: rapid.Uint8Range(view+1, 255).Draw(t, "newView"),
			Timestamp:     rapid.Uint64().Draw(t, "timestamp"),
			Reason:        ChangeViewReason(rapid.Uint8Max(uint8(CVBlockRejectedByPolicy)).Draw(t, "reason")),
		}
		decoded, err := DecodeMessage(EncodeMessage(msg))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if *decoded.(*ChangeView) != *msg {
			t.Fatalf("got %+v, want %+v", decoded, msg)
		}
	})
}

func TestPrepareRequestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bodies := rapid.SliceOfNDistinct(rapid.StringN(1, 32, -1), 1, 16, rapid.ID[string]).Draw(t, "txs")
		txs := make(Txs, len(bodies))
		for i, b := range bodies {
			txs[i] = Tx(b)
		}
		msg := &PrepareRequest{
			ViewNumber:        rapid.Uint8().Draw(t, "view"),
			Timestamp:         rapid.Uint64().Draw(t, "timestamp"),
			Nonce:             rapid.Uint64().Draw(t, "nonce"),
			TransactionHashes: txs.Hashes(),
			FirstTransaction:  txs[0],
		}
		decoded, err := DecodeMessage(EncodeMessage(msg))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got := decoded.(*PrepareRequest)
		if len(got.TransactionHashes) != len(msg.TransactionHashes) || got.Nonce != msg.Nonce || !bytes.Equal(got.FirstTransaction, msg.FirstTransaction) {
			t.Fatalf("got %+v, want %+v", got, msg)
		}
	})
}

func TestPayloadSignAndVerify(t *testing.T) {
	vals, pvs := RandValidatorSet(2)
	_, val0 := vals.GetByIndex(0)
	_, val1 := vals.GetByIndex(1)

	p := NewConsensusPayload(randHash(1), 5, 0, 1000, &Commit{Signature: fullSignature(1)})
	require.NoError(t, p.Sign(pvs[0]))
	assert.True(t, p.Verify(val0))
	assert.False(t, p.Verify(val1))

	// The envelope timestamp is not signed.
	p.Timestamp = 2000
	assert.True(t, p.Verify(val0))

	p.BlockIndex = 6
	assert.False(t, p.Verify(val0))
	p.BlockIndex = 5

	bz, err := p.MarshalBinary()
	require.NoError(t, err)
	decoded, err := DecodePayload(bz)
	require.NoError(t, err)
	assert.Equal(t, p.Hash(), decoded.Hash())
	assert.Equal(t, p.Witness, decoded.Witness)
	assert.True(t, decoded.Verify(val0))

	msg, err := decoded.Message()
	require.NoError(t, err)
	assert.Equal(t, CommitType, msg.Type())
}
