package decoder

import (
	"github.com/ethereum/go-ethereum/common"

	"mevscan/pkg/models"
)

// wellKnownTokens 常见代币静态表
// 元数据读端口失败时的回退来源，保证解码不因RPC故障失败
var wellKnownTokens = map[common.Address]*models.TokenMetadata{
	common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"): {
		Address:  common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		Symbol:   "WETH",
		Decimals: 18,
	},
	common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"): {
		Address:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		Symbol:   "USDC",
		Decimals: 6,
	},
	common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"): {
		Address:  common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"),
		Symbol:   "USDT",
		Decimals: 6,
	},
	common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"): {
		Address:  common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
		Symbol:   "DAI",
		Decimals: 18,
	},
	common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"): {
		Address:  common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"),
		Symbol:   "WBTC",
		Decimals: 8,
	},
}

// lookupWellKnown 查询静态代币表
func lookupWellKnown(addr common.Address) *models.TokenMetadata {
	if meta, exists := wellKnownTokens[addr]; exists {
		return meta
	}
	return nil
}
