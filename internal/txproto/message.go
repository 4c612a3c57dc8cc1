package txproto

import (
	"bytes"
	"fmt"

	"solana-custody-engine/internal/solana"
)

// Message is a compiled legacy transaction message. Account ordering follows
// the wire layout: writable signers (fee payer first), readonly signers,
// writable non-signers, readonly non-signers.
type Message struct {
	NumRequiredSignatures int
	NumReadonlySigned     int
	NumReadonlyUnsigned   int
	AccountKeys           []string
	RecentBlockhash       string
	Instructions          []compiledInstruction
}

type compiledInstruction struct {
	programIDIndex uint8
	accountIndexes []uint8
	data           []byte
}

// SignerKeys returns the public keys whose signatures the message requires,
// in signature-slot order.
func (m *Message) SignerKeys() []string {
	return m.AccountKeys[:m.NumRequiredSignatures]
}

// CompileMessage builds a Message from instructions with feePayer in the
// first signature slot.
func CompileMessage(feePayer string, instructions []Instruction, recentBlockhash string) (*Message, error) {
	if feePayer == "" {
		return nil, fmt.Errorf("fee payer required")
	}
	if len(instructions) == 0 {
		return nil, fmt.Errorf("no instructions")
	}
	if _, err := solana.DecodeAddress(recentBlockhash); err != nil {
		return nil, fmt.Errorf("invalid blockhash: %w", err)
	}

	// Merge account metas, OR-ing flags for repeated keys. The fee payer is
	// always a writable signer.
	merged := map[string]*AccountMeta{
		feePayer: {Pubkey: feePayer, IsSigner: true, IsWritable: true},
	}
	order := []string{feePayer}

	addMeta := func(meta AccountMeta) {
		if existing, ok := merged[meta.Pubkey]; ok {
			existing.IsSigner = existing.IsSigner || meta.IsSigner
			existing.IsWritable = existing.IsWritable || meta.IsWritable
			return
		}
		m := meta
		merged[meta.Pubkey] = &m
		order = append(order, meta.Pubkey)
	}

	for _, in := range instructions {
		for _, meta := range in.Accounts {
			addMeta(meta)
		}
		addMeta(AccountMeta{Pubkey: in.ProgramID})
	}

	// Partition into the four wire classes, preserving first-seen order
	// within each class. The fee payer stays first by construction.
	var writableSigners, readonlySigners, writableOthers, readonlyOthers []string
	for _, key := range order {
		meta := merged[key]
		switch {
		case meta.IsSigner && meta.IsWritable:
			writableSigners = append(writableSigners, key)
		case meta.IsSigner:
			readonlySigners = append(readonlySigners, key)
		case meta.IsWritable:
			writableOthers = append(writableOthers, key)
		default:
			readonlyOthers = append(readonlyOthers, key)
		}
	}

	accountKeys := make([]string, 0, len(order))
	accountKeys = append(accountKeys, writableSigners...)
	accountKeys = append(accountKeys, readonlySigners...)
	accountKeys = append(accountKeys, writableOthers...)
	accountKeys = append(accountKeys, readonlyOthers...)

	index := make(map[string]uint8, len(accountKeys))
	for i, key := range accountKeys {
		if i > 255 {
			return nil, fmt.Errorf("too many accounts: %d", len(accountKeys))
		}
		index[key] = uint8(i)
	}

	msg := &Message{
		NumRequiredSignatures: len(writableSigners) + len(readonlySigners),
		NumReadonlySigned:     len(readonlySigners),
		NumReadonlyUnsigned:   len(readonlyOthers),
		AccountKeys:           accountKeys,
		RecentBlockhash:       recentBlockhash,
	}

	for _, in := range instructions {
		ci := compiledInstruction{
			programIDIndex: index[in.ProgramID],
			data:           in.Data,
		}
		for _, meta := range in.Accounts {
			ci.accountIndexes = append(ci.accountIndexes, index[meta.Pubkey])
		}
		msg.Instructions = append(msg.Instructions, ci)
	}

	return msg, nil
}

// Serialize encodes the message in the legacy wire format.
func (m *Message) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(uint8(m.NumRequiredSignatures))
	buf.WriteByte(uint8(m.NumReadonlySigned))
	buf.WriteByte(uint8(m.NumReadonlyUnsigned))

	writeCompactU16(&buf, len(m.AccountKeys))
	for _, key := range m.AccountKeys {
		raw, err := solana.DecodeAddress(key)
		if err != nil {
			return nil, fmt.Errorf("account key %s: %w", key, err)
		}
		buf.Write(raw)
	}

	blockhash, err := solana.DecodeAddress(m.RecentBlockhash)
	if err != nil {
		return nil, fmt.Errorf("blockhash: %w", err)
	}
	buf.Write(blockhash)

	writeCompactU16(&buf, len(m.Instructions))
	for _, in := range m.Instructions {
		buf.WriteByte(in.programIDIndex)
		writeCompactU16(&buf, len(in.accountIndexes))
		buf.Write(in.accountIndexes)
		writeCompactU16(&buf, len(in.data))
		buf.Write(in.data)
	}

	return buf.Bytes(), nil
}

// writeCompactU16 writes the Solana compact-u16 (shortvec) length encoding.
func writeCompactU16(buf *bytes.Buffer, n int) {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}
