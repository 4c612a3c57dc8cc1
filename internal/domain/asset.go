package domain

// NativeSymbol is the chain-native asset.
const NativeSymbol = "SOL"

// Asset describes one supported asset.
type Asset struct {
	Symbol   string
	Mint     string // token mint address, empty for the native asset
	Decimals int
	Native   bool
}

// AssetTable is the immutable supported-asset set, constructed once at
// process start from configuration.
type AssetTable struct {
	bySymbol map[string]Asset
	byMint   map[string]Asset
}

// NewAssetTable builds a table from the configured assets. The native asset
// is always present.
func NewAssetTable(assets []Asset) *AssetTable {
	t := &AssetTable{
		bySymbol: make(map[string]Asset),
		byMint:   make(map[string]Asset),
	}
	t.add(Asset{Symbol: NativeSymbol, Decimals: 9, Native: true})
	for _, a := range assets {
		t.add(a)
	}
	return t
}

func (t *AssetTable) add(a Asset) {
	t.bySymbol[a.Symbol] = a
	if a.Mint != "" {
		t.byMint[a.Mint] = a
	}
}

// BySymbol looks up an asset by symbol.
func (t *AssetTable) BySymbol(symbol string) (Asset, bool) {
	a, ok := t.bySymbol[symbol]
	return a, ok
}

// ByMint looks up a token asset by mint address.
func (t *AssetTable) ByMint(mint string) (Asset, bool) {
	a, ok := t.byMint[mint]
	return a, ok
}

// Symbols returns all supported symbols in unspecified order.
func (t *AssetTable) Symbols() []string {
	out := make([]string, 0, len(t.bySymbol))
	for s := range t.bySymbol {
		out = append(out, s)
	}
	return out
}
