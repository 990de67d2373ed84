package chain

import (
	"github.com/gagliardetto/solana-go"
)

// NewMemoInstruction returns a memo instruction carrying data. Every signer
// listed must sign the transaction.
func NewMemoInstruction(data []byte, signers ...solana.PublicKey) solana.Instruction {
	metas := make(solana.AccountMetaSlice, 0, len(signers))
	for _, s := range signers {
		metas = append(metas, solana.Meta(s).SIGNER())
	}
	return solana.NewInstruction(MemoProgramID, metas, data)
}

// ExtractMemos returns the data of every memo instruction in tx, in order.
func ExtractMemos(tx *solana.Transaction) [][]byte {
	if tx == nil {
		return nil
	}
	keys := tx.Message.AccountKeys
	var memos [][]byte
	for _, ix := range tx.Message.Instructions {
		idx := int(ix.ProgramIDIndex)
		if idx >= len(keys) || !keys[idx].Equals(MemoProgramID) {
			continue
		}
		memos = append(memos, []byte(ix.Data))
	}
	return memos
}
