package decoder

// Uniswap V2风格路由方法选择器
// 六种兑换变体统一归一化为 {tokenIn, tokenOut, amountIn, amountOutMin} 形状
const (
	selSwapExactTokensForTokens = "0x38ed1739"
	selSwapTokensForExactTokens = "0x8803dbee"
	selSwapExactETHForTokens    = "0x7ff36ab5"
	selSwapTokensForExactETH    = "0x4a25d94a"
	selSwapExactTokensForETH    = "0x18cbafe5"
	selSwapETHForExactTokens    = "0xfb3bdb41"

	// 支持转账收税代币的变体，参数布局与对应的exact-in变体一致
	selSwapExactTokensForTokensFee = "0x5c11d795"
	selSwapExactETHForTokensFee    = "0xb6f9de95"
	selSwapExactTokensForETHFee    = "0x791ac947"
)

// ERC20选择器
const (
	selERC20Transfer     = "0xa9059cbb"
	selERC20Approve      = "0x095ea7b3"
	selERC20TransferFrom = "0x23b872dd"
)

// 闪电贷与清算选择器 (Aave V3)
const (
	selFlashLoan       = "0xab9c4b5d"
	selFlashLoanSimple = "0x42b0b77c"
	selLiquidationCall = "0x00a718a9"
)

// swapVariant 兑换变体的参数布局
type swapVariant struct {
	Method   string
	ETHIn    bool // ETH作为输入腿（amountIn取交易value）
	ETHOut   bool // ETH作为输出腿
	ExactOut bool // exact-out变体：第一个参数是目标输出量
}

// swapVariants 选择器到变体布局的映射
var swapVariants = map[string]swapVariant{
	selSwapExactTokensForTokens:    {Method: "swapExactTokensForTokens"},
	selSwapTokensForExactTokens:    {Method: "swapTokensForExactTokens", ExactOut: true},
	selSwapExactETHForTokens:       {Method: "swapExactETHForTokens", ETHIn: true},
	selSwapTokensForExactETH:       {Method: "swapTokensForExactETH", ETHOut: true, ExactOut: true},
	selSwapExactTokensForETH:       {Method: "swapExactTokensForETH", ETHOut: true},
	selSwapETHForExactTokens:       {Method: "swapETHForExactTokens", ETHIn: true, ExactOut: true},
	selSwapExactTokensForTokensFee: {Method: "swapExactTokensForTokensSupportingFeeOnTransferTokens"},
	selSwapExactETHForTokensFee:    {Method: "swapExactETHForTokensSupportingFeeOnTransferTokens", ETHIn: true},
	selSwapExactTokensForETHFee:    {Method: "swapExactTokensForETHSupportingFeeOnTransferTokens", ETHOut: true},
}
