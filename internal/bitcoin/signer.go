package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// RBFSequence signals BIP-125 replaceability. Applied to every input of
// every transaction this agent signs.
const RBFSequence uint32 = 0xfffffffd

// PrevOut is the prior output an input spends, needed for signing and for
// the absolute-fee computation.
type PrevOut struct {
	Value    int64
	PkScript []byte
}

// PrevOutSource resolves an outpoint to its value and script.
type PrevOutSource interface {
	GetPrevOut(ctx context.Context, txid string, vout uint32) (*PrevOut, error)
}

// GetPrevOut resolves an outpoint through the chain API.
func (c *ChainClient) GetPrevOut(ctx context.Context, txid string, vout uint32) (*PrevOut, error) {
	tx, err := c.GetTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	if int(vout) >= len(tx.Vout) {
		return nil, fmt.Errorf("tx %s has no output %d", txid, vout)
	}
	script, err := hex.DecodeString(tx.Vout[vout].ScriptPubKey)
	if err != nil {
		return nil, fmt.Errorf("decode pkscript of %s:%d: %w", txid, vout, err)
	}
	return &PrevOut{Value: tx.Vout[vout].Value, PkScript: script}, nil
}

// SignedTx is a fully signed transaction ready for broadcast.
type SignedTx struct {
	Hex   string
	Txid  string
	Vsize int64
	Fee   int64
}

// Signer signs raw transactions composed by the ledger with a single WIF key.
type Signer struct {
	privKey  *btcec.PrivateKey
	params   *chaincfg.Params
	prevOuts PrevOutSource
}

// NewSigner decodes the WIF key for the given network.
func NewSigner(wif, network string, prevOuts PrevOutSource) (*Signer, error) {
	params := &chaincfg.MainNetParams
	if network == "testnet" {
		params = &chaincfg.TestNet3Params
	}
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, fmt.Errorf("decode WIF: %w", err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("WIF key is not for network %s", network)
	}
	return &Signer{
		privKey:  decoded.PrivKey,
		params:   params,
		prevOuts: prevOuts,
	}, nil
}

// Sign deserializes the composed raw transaction, forces the RBF sequence
// on every input, signs each input against its previous output, and
// returns the signed hex with the transaction's id, virtual size, and
// absolute fee.
func (s *Signer) Sign(ctx context.Context, rawHex string) (*SignedTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("decode raw tx: %w", err)
	}
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize raw tx: %w", err)
	}
	if len(msgTx.TxIn) == 0 {
		return nil, fmt.Errorf("raw tx has no inputs")
	}

	// Resolve prevouts and set sequences before producing any signature:
	// SIGHASH_ALL commits to every input's sequence.
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	prevOuts := make([]*PrevOut, len(msgTx.TxIn))
	var totalIn int64
	for i, txIn := range msgTx.TxIn {
		op := txIn.PreviousOutPoint
		prev, err := s.prevOuts.GetPrevOut(ctx, op.Hash.String(), op.Index)
		if err != nil {
			return nil, fmt.Errorf("resolve input %s:%d: %w", op.Hash, op.Index, err)
		}
		prevOuts[i] = prev
		totalIn += prev.Value
		fetcher.AddPrevOut(op, wire.NewTxOut(prev.Value, prev.PkScript))
		txIn.Sequence = RBFSequence
	}

	sigHashes := txscript.NewTxSigHashes(&msgTx, fetcher)
	for i, txIn := range msgTx.TxIn {
		prev := prevOuts[i]
		switch txscript.GetScriptClass(prev.PkScript) {
		case txscript.WitnessV0PubKeyHashTy:
			witness, err := txscript.WitnessSignature(
				&msgTx, sigHashes, i, prev.Value, prev.PkScript,
				txscript.SigHashAll, s.privKey, true,
			)
			if err != nil {
				return nil, fmt.Errorf("witness sign input %d: %w", i, err)
			}
			txIn.Witness = witness
			txIn.SignatureScript = nil
		case txscript.PubKeyHashTy:
			sigScript, err := txscript.SignatureScript(
				&msgTx, i, prev.PkScript, txscript.SigHashAll, s.privKey, true,
			)
			if err != nil {
				return nil, fmt.Errorf("sign input %d: %w", i, err)
			}
			txIn.SignatureScript = sigScript
		default:
			return nil, fmt.Errorf("input %d: unsupported prevout script class %s",
				i, txscript.GetScriptClass(prev.PkScript))
		}
	}

	var totalOut int64
	for _, txOut := range msgTx.TxOut {
		totalOut += txOut.Value
	}
	fee := totalIn - totalOut
	if fee < 0 {
		return nil, fmt.Errorf("outputs exceed inputs by %d sats", -fee)
	}

	var buf bytes.Buffer
	if err := msgTx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize signed tx: %w", err)
	}

	return &SignedTx{
		Hex:   hex.EncodeToString(buf.Bytes()),
		Txid:  msgTx.TxHash().String(),
		Vsize: vsize(&msgTx),
		Fee:   fee,
	}, nil
}

// vsize returns ceil(weight/4) where weight = 3*stripped + total.
func vsize(tx *wire.MsgTx) int64 {
	base := int64(tx.SerializeSizeStripped())
	total := int64(tx.SerializeSize())
	weight := base*3 + total
	return (weight + 3) / 4
}
