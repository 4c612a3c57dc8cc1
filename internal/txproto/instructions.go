// Package txproto implements the custodial dual-signature transaction
// protocol: sponsor-paid fees, fixed signing order, simulate-before-sign,
// and a single-submission guard per prepared transaction.
package txproto

import "encoding/binary"

// Well-known program IDs.
const (
	SystemProgramID        = "11111111111111111111111111111111"
	TokenProgramID         = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	ComputeBudgetProgramID = "ComputeBudget111111111111111111111111111111"
)

// AccountMeta describes one account referenced by an instruction.
type AccountMeta struct {
	Pubkey     string
	IsSigner   bool
	IsWritable bool
}

// Instruction is one program invocation before message compilation.
type Instruction struct {
	ProgramID string
	Accounts  []AccountMeta
	Data      []byte
}

// System program instruction indices (u32 little-endian discriminators).
const sysTransferIndex = 2

// SPL token program instruction indices (u8 discriminators).
const tokenTransferIndex = 3

// Compute budget instruction indices (u8 discriminators).
const (
	computeUnitLimitIndex = 2
	computeUnitPriceIndex = 3
)

// SystemTransfer moves lamports between system accounts.
func SystemTransfer(from, to string, lamports uint64) Instruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], sysTransferIndex)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	return Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{Pubkey: from, IsSigner: true, IsWritable: true},
			{Pubkey: to, IsSigner: false, IsWritable: true},
		},
		Data: data,
	}
}

// TokenTransfer moves SPL token base units between token accounts, signed by
// the owning authority.
func TokenTransfer(source, destination, authority string, amount uint64) Instruction {
	data := make([]byte, 9)
	data[0] = tokenTransferIndex
	binary.LittleEndian.PutUint64(data[1:9], amount)

	return Instruction{
		ProgramID: TokenProgramID,
		Accounts: []AccountMeta{
			{Pubkey: source, IsSigner: false, IsWritable: true},
			{Pubkey: destination, IsSigner: false, IsWritable: true},
			{Pubkey: authority, IsSigner: true, IsWritable: false},
		},
		Data: data,
	}
}

// ComputeUnitPrice sets the priority fee in micro-lamports per compute unit.
func ComputeUnitPrice(microLamports uint64) Instruction {
	data := make([]byte, 9)
	data[0] = computeUnitPriceIndex
	binary.LittleEndian.PutUint64(data[1:9], microLamports)

	return Instruction{
		ProgramID: ComputeBudgetProgramID,
		Data:      data,
	}
}

// ComputeUnitLimit caps the compute units the transaction may consume.
func ComputeUnitLimit(units uint32) Instruction {
	data := make([]byte, 5)
	data[0] = computeUnitLimitIndex
	binary.LittleEndian.PutUint32(data[1:5], units)

	return Instruction{
		ProgramID: ComputeBudgetProgramID,
		Data:      data,
	}
}
