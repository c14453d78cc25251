package decoder

import (
	"context"
	"math/big"
	"testing"

	"mevscan/internal/config"
	"mevscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	weth   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	router = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	sender = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func newTestDecoder() *Decoder {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewDecoder(config.GetDefaultConfig().Decoder, weth, nil, logger)
}

// calldata 按32字节参数字拼装调用数据
func calldata(selector string, words ...[]byte) []byte {
	data := common.FromHex(selector)
	for _, w := range words {
		data = append(data, w...)
	}
	return data
}

func uintWord(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func addrWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func pendingTx(hash string, to common.Address, value *big.Int, input []byte) *models.PendingTransaction {
	return &models.PendingTransaction{
		Hash:     common.HexToHash(hash),
		From:     sender,
		To:       &to,
		Value:    value,
		Input:    input,
		GasPrice: config.GweiToWei(50),
	}
}

func TestDecodeSwapExactTokensForTokens(t *testing.T) {
	d := newTestDecoder()

	amountIn := big.NewInt(1e18)
	amountOutMin := big.NewInt(1900e6)
	deadline := big.NewInt(1700000000)
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")

	// (amountIn, amountOutMin, path偏移, to, deadline) + 动态路径
	input := calldata(selSwapExactTokensForTokens,
		uintWord(amountIn),
		uintWord(amountOutMin),
		uintWord(big.NewInt(160)),
		addrWord(recipient),
		uintWord(deadline),
		uintWord(big.NewInt(2)),
		addrWord(weth),
		addrWord(usdc),
	)

	decoded := d.Decode(context.Background(), pendingTx("0x01", router, big.NewInt(0), input))
	require.Equal(t, models.TxClassSwap, decoded.Class)
	require.True(t, decoded.IsSwap())

	swap := decoded.Swap
	assert.Equal(t, "uniswap_v2", swap.Protocol)
	assert.Equal(t, "swapExactTokensForTokens", swap.Method)
	assert.Equal(t, router, swap.Router)
	assert.Equal(t, weth, swap.TokenIn)
	assert.Equal(t, usdc, swap.TokenOut)
	assert.Equal(t, amountIn, swap.AmountIn)
	assert.Equal(t, amountOutMin, swap.AmountOutMin)
	assert.False(t, swap.ExactOutput)
	assert.Equal(t, []common.Address{weth, usdc}, swap.Path)
	assert.Equal(t, recipient, swap.Recipient)
	assert.Equal(t, deadline, swap.Deadline)

	// 元数据从静态表回退解析
	require.NotNil(t, swap.TokenInMeta)
	assert.Equal(t, "WETH", swap.TokenInMeta.Symbol)
	assert.Equal(t, uint8(18), swap.TokenInMeta.Decimals)
	require.NotNil(t, swap.TokenOutMeta)
	assert.Equal(t, "USDC", swap.TokenOutMeta.Symbol)
}

func TestDecodeSwapExactETHForTokens(t *testing.T) {
	d := newTestDecoder()

	value := big.NewInt(2e18)
	// (amountOutMin, path偏移, to, deadline) + 动态路径，金额取交易value
	input := calldata(selSwapExactETHForTokens,
		uintWord(big.NewInt(3800e6)),
		uintWord(big.NewInt(128)),
		addrWord(sender),
		uintWord(big.NewInt(1700000000)),
		uintWord(big.NewInt(2)),
		addrWord(weth),
		addrWord(usdc),
	)

	decoded := d.Decode(context.Background(), pendingTx("0x02", router, value, input))
	require.True(t, decoded.IsSwap())

	swap := decoded.Swap
	assert.Equal(t, "swapExactETHForTokens", swap.Method)
	assert.Equal(t, weth, swap.TokenIn)
	assert.Equal(t, usdc, swap.TokenOut)
	assert.Equal(t, value, swap.AmountIn)
	assert.Equal(t, big.NewInt(3800e6), swap.AmountOutMin)
}

func TestDecodeSwapTokensForExactETH(t *testing.T) {
	d := newTestDecoder()

	amountOut := big.NewInt(1e18)
	amountInMax := big.NewInt(2100e6)
	// (amountOut, amountInMax, path偏移, to, deadline) + 动态路径
	input := calldata(selSwapTokensForExactETH,
		uintWord(amountOut),
		uintWord(amountInMax),
		uintWord(big.NewInt(160)),
		addrWord(sender),
		uintWord(big.NewInt(1700000000)),
		uintWord(big.NewInt(2)),
		addrWord(usdc),
		addrWord(weth),
	)

	decoded := d.Decode(context.Background(), pendingTx("0x03", router, big.NewInt(0), input))
	require.True(t, decoded.IsSwap())

	swap := decoded.Swap
	assert.True(t, swap.ExactOutput)
	assert.Equal(t, usdc, swap.TokenIn)
	assert.Equal(t, weth, swap.TokenOut)
	// exact-out变体：AmountIn为愿付上限，AmountOut为目标输出
	assert.Equal(t, amountInMax, swap.AmountIn)
	assert.Equal(t, amountOut, swap.AmountOut)
}

func TestDecodeETHTransfer(t *testing.T) {
	d := newTestDecoder()

	decoded := d.Decode(context.Background(), pendingTx("0x04", sender, big.NewInt(1e18), nil))
	assert.Equal(t, models.TxClassETHTransfer, decoded.Class)
	assert.Equal(t, "ETHTransfer", decoded.ClassName)
	assert.False(t, decoded.IsSwap())
}

func TestDecodeERC20Transfer(t *testing.T) {
	d := newTestDecoder()

	recipient := common.HexToAddress("0x3333333333333333333333333333333333333333")
	input := calldata(selERC20Transfer, addrWord(recipient), uintWord(big.NewInt(500e6)))

	decoded := d.Decode(context.Background(), pendingTx("0x05", usdc, big.NewInt(0), input))
	require.Equal(t, models.TxClassERC20Transfer, decoded.Class)
	assert.Equal(t, usdc, decoded.Transfer.Token)
	assert.Equal(t, recipient, decoded.Transfer.Recipient)
	assert.Equal(t, big.NewInt(500e6), decoded.Transfer.Amount)
	assert.Nil(t, decoded.Transfer.From)
}

func TestDecodeERC20TransferFrom(t *testing.T) {
	d := newTestDecoder()

	from := common.HexToAddress("0x4444444444444444444444444444444444444444")
	recipient := common.HexToAddress("0x5555555555555555555555555555555555555555")
	input := calldata(selERC20TransferFrom, addrWord(from), addrWord(recipient), uintWord(big.NewInt(100e6)))

	decoded := d.Decode(context.Background(), pendingTx("0x06", usdc, big.NewInt(0), input))
	require.Equal(t, models.TxClassERC20Transfer, decoded.Class)
	require.NotNil(t, decoded.Transfer.From)
	assert.Equal(t, from, *decoded.Transfer.From)
	assert.Equal(t, recipient, decoded.Transfer.Recipient)
}

func TestDecodeERC20Approve(t *testing.T) {
	d := newTestDecoder()

	input := calldata(selERC20Approve, addrWord(router), uintWord(big.NewInt(1e18)))

	decoded := d.Decode(context.Background(), pendingTx("0x07", usdc, big.NewInt(0), input))
	require.Equal(t, models.TxClassERC20Approval, decoded.Class)
	assert.Equal(t, usdc, decoded.Approval.Token)
	assert.Equal(t, router, decoded.Approval.Spender)
	assert.Equal(t, big.NewInt(1e18), decoded.Approval.Amount)
}

func TestDecodeFlashLoanSimple(t *testing.T) {
	d := newTestDecoder()

	pool := common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2")
	receiver := common.HexToAddress("0x6666666666666666666666666666666666666666")
	input := calldata(selFlashLoanSimple,
		addrWord(receiver),
		addrWord(weth),
		uintWord(big.NewInt(5e18)),
	)

	decoded := d.Decode(context.Background(), pendingTx("0x08", pool, big.NewInt(0), input))
	require.Equal(t, models.TxClassFlashLoan, decoded.Class)
	assert.Equal(t, "aave_v3", decoded.FlashLoan.Protocol)
	assert.Equal(t, []common.Address{weth}, decoded.FlashLoan.Assets)
	require.Len(t, decoded.FlashLoan.Amounts, 1)
	assert.Equal(t, big.NewInt(5e18), decoded.FlashLoan.Amounts[0])
}

func TestDecodeLiquidationCall(t *testing.T) {
	d := newTestDecoder()

	pool := common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2")
	borrower := common.HexToAddress("0x7777777777777777777777777777777777777777")
	input := calldata(selLiquidationCall,
		addrWord(weth),
		addrWord(usdc),
		addrWord(borrower),
		uintWord(big.NewInt(1000e6)),
		uintWord(big.NewInt(0)),
	)

	decoded := d.Decode(context.Background(), pendingTx("0x09", pool, big.NewInt(0), input))
	require.Equal(t, models.TxClassLiquidation, decoded.Class)
	assert.Equal(t, weth, decoded.Liquidation.CollateralAsset)
	assert.Equal(t, usdc, decoded.Liquidation.DebtAsset)
	assert.Equal(t, borrower, decoded.Liquidation.Borrower)
	assert.Equal(t, big.NewInt(1000e6), decoded.Liquidation.DebtToCover)
}

func TestDecodeContractCreation(t *testing.T) {
	d := newTestDecoder()

	tx := &models.PendingTransaction{
		Hash:  common.HexToHash("0x0a"),
		From:  sender,
		Value: big.NewInt(0),
		Input: []byte{0x60, 0x80, 0x60, 0x40},
	}
	decoded := d.Decode(context.Background(), tx)
	assert.Equal(t, models.TxClassUnknown, decoded.Class)
	assert.Contains(t, decoded.Diagnostic, "合约创建")
}

func TestDecodeShortInput(t *testing.T) {
	d := newTestDecoder()

	decoded := d.Decode(context.Background(), pendingTx("0x0b", usdc, big.NewInt(0), []byte{0xa9, 0x05}))
	assert.Equal(t, models.TxClassUnknown, decoded.Class)
	assert.Contains(t, decoded.Diagnostic, "输入数据过短")
}

func TestDecodeUnknownSelector(t *testing.T) {
	d := newTestDecoder()

	decoded := d.Decode(context.Background(), pendingTx("0x0c", usdc, big.NewInt(0), common.FromHex("0xdeadbeef")))
	assert.Equal(t, models.TxClassUnknown, decoded.Class)
	assert.Contains(t, decoded.Diagnostic, "未识别的方法选择器: 0xdeadbeef")
}

func TestDecodeSwapSelectorOnNonRouter(t *testing.T) {
	d := newTestDecoder()

	// 兑换选择器出现在未知合约上不做AMM解码
	input := calldata(selSwapExactTokensForTokens, uintWord(big.NewInt(1)))
	decoded := d.Decode(context.Background(), pendingTx("0x0d", usdc, big.NewInt(0), input))
	assert.Equal(t, models.TxClassUnknown, decoded.Class)
	assert.Contains(t, decoded.Diagnostic, selSwapExactTokensForTokens)
}

func TestDecodeMalformedSwap(t *testing.T) {
	d := newTestDecoder()

	// 路由上的兑换调用但参数被截断
	input := calldata(selSwapExactTokensForTokens, uintWord(big.NewInt(1e18)))
	decoded := d.Decode(context.Background(), pendingTx("0x0e", router, big.NewInt(0), input))
	assert.Equal(t, models.TxClassUnknown, decoded.Class)
	assert.Contains(t, decoded.Diagnostic, "路由兑换解码失败")
}

func TestDecodeHugeArrayOffset(t *testing.T) {
	d := newTestDecoder()

	// 路径偏移字接近int64上限：加4后会回绕为负数，必须在越界检查前被拒绝
	hugeOffset := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 63), big.NewInt(1))
	input := calldata(selSwapExactTokensForTokens,
		uintWord(big.NewInt(1e18)),
		uintWord(big.NewInt(0)),
		uintWord(hugeOffset),
		addrWord(sender),
		uintWord(big.NewInt(1700000000)),
		uintWord(big.NewInt(2)),
		addrWord(weth),
		addrWord(usdc),
	)
	decoded := d.Decode(context.Background(), pendingTx("0x11", router, big.NewInt(0), input))
	assert.Equal(t, models.TxClassUnknown, decoded.Class)
	assert.Contains(t, decoded.Diagnostic, "路由兑换解码失败")

	// 超出int64的偏移同样被拒绝
	input = calldata(selFlashLoan,
		addrWord(sender),
		uintWord(new(big.Int).Lsh(big.NewInt(1), 200)),
		uintWord(big.NewInt(96)),
		uintWord(big.NewInt(0)),
	)
	decoded = d.Decode(context.Background(), pendingTx("0x12", common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"), big.NewInt(0), input))
	assert.Equal(t, models.TxClassUnknown, decoded.Class)
}

func TestDecodeCacheCapacityEnforced(t *testing.T) {
	cfg := config.GetDefaultConfig().Decoder
	cfg.CacheSize = 1
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	d := NewDecoder(cfg, weth, nil, logger)

	input := calldata(selERC20Transfer, addrWord(sender), uintWord(big.NewInt(1)))
	first := d.Decode(context.Background(), pendingTx("0x13", usdc, big.NewInt(0), input))
	second := d.Decode(context.Background(), pendingTx("0x14", usdc, big.NewInt(0), input))

	// 容量上限后不再写入缓存，但解码结果不受影响
	assert.Equal(t, 1, d.CacheSize())
	assert.Equal(t, models.TxClassERC20Transfer, first.Class)
	assert.Equal(t, models.TxClassERC20Transfer, second.Class)
}

func TestDecodeCached(t *testing.T) {
	d := newTestDecoder()

	input := calldata(selERC20Transfer, addrWord(sender), uintWord(big.NewInt(1)))
	tx := pendingTx("0x0f", usdc, big.NewInt(0), input)

	first := d.Decode(context.Background(), tx)
	second := d.Decode(context.Background(), tx)
	// 同一交易重复解码命中缓存，返回同一结果
	assert.Same(t, first, second)
	assert.Equal(t, 1, d.CacheSize())
}

func TestDecodeInvalidPathLength(t *testing.T) {
	d := newTestDecoder()

	// 路径只有一个元素
	input := calldata(selSwapExactTokensForTokens,
		uintWord(big.NewInt(1e18)),
		uintWord(big.NewInt(0)),
		uintWord(big.NewInt(160)),
		addrWord(sender),
		uintWord(big.NewInt(1700000000)),
		uintWord(big.NewInt(1)),
		addrWord(weth),
	)
	decoded := d.Decode(context.Background(), pendingTx("0x10", router, big.NewInt(0), input))
	assert.Equal(t, models.TxClassUnknown, decoded.Class)
	assert.Contains(t, decoded.Diagnostic, "路径长度非法")
}
