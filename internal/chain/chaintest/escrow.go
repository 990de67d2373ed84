package chaintest

import (
	"bytes"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/R3E-Network/settlement_layer/internal/chain"
)

// EscrowAccountData encodes st the way the escrow program stores it.
func EscrowAccountData(st chain.EscrowState) []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	disc := chain.AnchorDiscriminator("account", "Escrow")
	_ = enc.WriteBytes(disc[:], false)
	for _, k := range []solana.PublicKey{st.Admin, st.Mint, st.VaultTokenAccount} {
		_ = enc.WriteBytes(k.Bytes(), false)
	}
	_ = enc.WriteUint64(st.PricePerUnit, bin.LE)
	_ = enc.WriteUint64(st.TotalUnitsSold.Base(), bin.LE)
	_ = enc.WriteUint64(st.TotalRevenue, bin.LE)
	_ = enc.WriteUint8(st.Bump)
	return buf.Bytes()
}
