package domain

import "testing"

func TestAssetTable_AlwaysHasNative(t *testing.T) {
	table := NewAssetTable(nil)

	sol, ok := table.BySymbol("SOL")
	if !ok {
		t.Fatal("native asset missing from empty table")
	}
	if !sol.Native || sol.Decimals != 9 {
		t.Errorf("unexpected native asset: %+v", sol)
	}
}

func TestAssetTable_Lookups(t *testing.T) {
	table := NewAssetTable([]Asset{
		{Symbol: "USDC", Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
	})

	byMint, ok := table.ByMint("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	if !ok || byMint.Symbol != "USDC" {
		t.Errorf("ByMint lookup failed: %+v ok=%v", byMint, ok)
	}

	if _, ok := table.ByMint("unknown-mint"); ok {
		t.Error("unknown mint should not resolve")
	}
	if _, ok := table.BySymbol("DOGE"); ok {
		t.Error("unknown symbol should not resolve")
	}

	symbols := table.Symbols()
	if len(symbols) != 2 {
		t.Errorf("expected 2 symbols, got %v", symbols)
	}
}
