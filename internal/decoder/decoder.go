package decoder

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"mevscan/internal/cache"
	"mevscan/internal/config"
	"mevscan/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// MetadataPort 代币元数据读端口
type MetadataPort interface {
	GetTokenMetadata(ctx context.Context, token common.Address) (*models.TokenMetadata, error)
}

// Decoder 交易解码器
// 全函数：任何输入都产出DecodedTransaction，不可恢复的解码失败归为Unknown并附带诊断信息
type Decoder struct {
	logger        *logrus.Logger
	config        *config.DecoderConfig
	routers       map[common.Address]string // 已知路由地址 -> 协议名
	wrappedNative common.Address
	metaPort      MetadataPort
	metaCache     *cache.TTLMap
	txCache       *cache.TTLMap // 按交易哈希缓存解码结果，有界TTL控制内存
}

// NewDecoder 创建解码器
func NewDecoder(cfg *config.DecoderConfig, wrappedNative common.Address, metaPort MetadataPort, logger *logrus.Logger) *Decoder {
	if cfg == nil {
		cfg = &config.DecoderConfig{
			CacheTTL:  "60s",
			CacheSize: 10000,
		}
	}

	routers := make(map[common.Address]string, len(cfg.Routers))
	for addr, protocol := range cfg.Routers {
		routers[common.HexToAddress(addr)] = protocol
	}

	cacheTTL := config.ParseDuration(cfg.CacheTTL, 60*time.Second)

	return &Decoder{
		logger:        logger,
		config:        cfg,
		routers:       routers,
		wrappedNative: wrappedNative,
		metaPort:      metaPort,
		metaCache:     cache.NewTTLMap(10 * time.Minute),
		txCache:       cache.NewTTLMap(cacheTTL),
	}
}

// StartSweeper 启动缓存清理协程
func (d *Decoder) StartSweeper(ctx context.Context) {
	d.txCache.StartSweeper(ctx, 30*time.Second)
	d.metaCache.StartSweeper(ctx, time.Minute)
}

// CacheSize 当前解码缓存条目数
func (d *Decoder) CacheSize() int {
	return d.txCache.Len()
}

// Decode 解码待确认交易
// 同一原始交易重复解码产出相同结果；结果按哈希缓存
func (d *Decoder) Decode(ctx context.Context, tx *models.PendingTransaction) *models.DecodedTransaction {
	if cached, ok := d.txCache.Get(tx.Hash.Hex()); ok {
		return cached.(*models.DecodedTransaction)
	}

	decoded := d.decode(ctx, tx)
	// 缓存容量达到上限时跳过写入，等TTL清理腾出空间
	if d.config.CacheSize <= 0 || d.txCache.Len() < d.config.CacheSize {
		d.txCache.Set(tx.Hash.Hex(), decoded)
	}
	return decoded
}

// decode 实际解码逻辑
func (d *Decoder) decode(ctx context.Context, tx *models.PendingTransaction) *models.DecodedTransaction {
	decoded := &models.DecodedTransaction{
		Hash:      tx.Hash,
		Tx:        tx,
		DecodedAt: time.Now(),
	}

	// 合约创建交易无法按选择器分类
	if tx.IsContractCreation() {
		decoded.Class = models.TxClassUnknown
		decoded.Diagnostic = "合约创建交易"
		decoded.ClassName = decoded.Class.String()
		return decoded
	}

	// 无输入数据即为原生转账
	if len(tx.Input) == 0 {
		decoded.Class = models.TxClassETHTransfer
		decoded.ClassName = decoded.Class.String()
		return decoded
	}

	if len(tx.Input) < 4 {
		decoded.Class = models.TxClassUnknown
		decoded.Diagnostic = fmt.Sprintf("输入数据过短: %d 字节", len(tx.Input))
		decoded.ClassName = decoded.Class.String()
		return decoded
	}

	selector := "0x" + hex.EncodeToString(tx.Input[:4])

	// 优先按已知路由地址做AMM专用解码
	if protocol, isRouter := d.routers[*tx.To]; isRouter {
		if variant, isSwap := swapVariants[selector]; isSwap {
			if swap, err := d.decodeSwap(tx, protocol, variant); err == nil {
				d.resolveSwapMetadata(ctx, swap)
				decoded.Class = models.TxClassSwap
				decoded.Swap = swap
				decoded.ClassName = decoded.Class.String()
				return decoded
			} else {
				decoded.Class = models.TxClassUnknown
				decoded.Diagnostic = fmt.Sprintf("路由兑换解码失败: %v", err)
				decoded.ClassName = decoded.Class.String()
				return decoded
			}
		}
	}

	// 通用ERC20选择器
	switch selector {
	case selERC20Transfer:
		if transfer, err := d.decodeERC20Transfer(tx, false); err == nil {
			decoded.Class = models.TxClassERC20Transfer
			decoded.Transfer = transfer
			decoded.ClassName = decoded.Class.String()
			return decoded
		}
	case selERC20TransferFrom:
		if transfer, err := d.decodeERC20Transfer(tx, true); err == nil {
			decoded.Class = models.TxClassERC20Transfer
			decoded.Transfer = transfer
			decoded.ClassName = decoded.Class.String()
			return decoded
		}
	case selERC20Approve:
		if approval, err := d.decodeERC20Approval(tx); err == nil {
			decoded.Class = models.TxClassERC20Approval
			decoded.Approval = approval
			decoded.ClassName = decoded.Class.String()
			return decoded
		}
	case selFlashLoan, selFlashLoanSimple:
		if flashLoan, err := d.decodeFlashLoan(tx, selector); err == nil {
			decoded.Class = models.TxClassFlashLoan
			decoded.FlashLoan = flashLoan
			decoded.ClassName = decoded.Class.String()
			return decoded
		}
	case selLiquidationCall:
		if liquidation, err := d.decodeLiquidation(tx); err == nil {
			decoded.Class = models.TxClassLiquidation
			decoded.Liquidation = liquidation
			decoded.ClassName = decoded.Class.String()
			return decoded
		}
	}

	decoded.Class = models.TxClassUnknown
	decoded.Diagnostic = fmt.Sprintf("未识别的方法选择器: %s", selector)
	decoded.ClassName = decoded.Class.String()
	return decoded
}

// word 读取calldata第i个32字节参数字
func word(input []byte, i int) (*big.Int, error) {
	start := 4 + i*32
	end := start + 32
	if end > len(input) {
		return nil, fmt.Errorf("参数 %d 越界", i)
	}
	return new(big.Int).SetBytes(input[start:end]), nil
}

// addressAt 读取第i个参数字并解释为地址
func addressAt(input []byte, i int) (common.Address, error) {
	v, err := word(input, i)
	if err != nil {
		return common.Address{}, err
	}
	return common.BigToAddress(v), nil
}

// arrayBase 解析第i个参数字中的动态数组偏移，返回长度字的起始位置
// 偏移在big.Int域内先与输入长度比较，截断为int后不会回绕成负数
func arrayBase(input []byte, i int) (int, error) {
	offset, err := word(input, i)
	if err != nil {
		return 0, err
	}
	if !offset.IsInt64() || offset.Int64() > int64(len(input)) {
		return 0, fmt.Errorf("数组偏移非法: %s", offset.String())
	}

	base := 4 + int(offset.Int64())
	if base+32 > len(input) {
		return 0, fmt.Errorf("数组长度越界")
	}
	return base, nil
}

// addressArrayAt 读取第i个参数字指向的动态地址数组
func addressArrayAt(input []byte, i int) ([]common.Address, error) {
	base, err := arrayBase(input, i)
	if err != nil {
		return nil, err
	}
	length := new(big.Int).SetBytes(input[base : base+32])
	if !length.IsInt64() || length.Int64() < 0 || length.Int64() > 16 {
		return nil, fmt.Errorf("数组长度非法: %s", length.String())
	}

	n := int(length.Int64())
	addrs := make([]common.Address, 0, n)
	for j := 0; j < n; j++ {
		start := base + 32 + j*32
		end := start + 32
		if end > len(input) {
			return nil, fmt.Errorf("数组元素 %d 越界", j)
		}
		addrs = append(addrs, common.BytesToAddress(input[start+12:end]))
	}
	return addrs, nil
}

// uintArrayAt 读取第i个参数字指向的动态uint256数组
func uintArrayAt(input []byte, i int) ([]*big.Int, error) {
	base, err := arrayBase(input, i)
	if err != nil {
		return nil, err
	}
	length := new(big.Int).SetBytes(input[base : base+32])
	if !length.IsInt64() || length.Int64() < 0 || length.Int64() > 16 {
		return nil, fmt.Errorf("数组长度非法: %s", length.String())
	}

	n := int(length.Int64())
	values := make([]*big.Int, 0, n)
	for j := 0; j < n; j++ {
		start := base + 32 + j*32
		end := start + 32
		if end > len(input) {
			return nil, fmt.Errorf("数组元素 %d 越界", j)
		}
		values = append(values, new(big.Int).SetBytes(input[start:end]))
	}
	return values, nil
}

// decodeSwap 解码AMM兑换调用，六种变体归一化为统一形状
// ETH腿替换为包装原生资产地址
func (d *Decoder) decodeSwap(tx *models.PendingTransaction, protocol string, variant swapVariant) (*models.SwapDetails, error) {
	input := tx.Input

	var amountIn, amountOutMin, amountOut, deadline *big.Int
	var path []common.Address
	var recipient common.Address
	var err error

	switch {
	case variant.ETHIn && !variant.ExactOut:
		// swapExactETHForTokens(amountOutMin, path, to, deadline)
		if amountOutMin, err = word(input, 0); err != nil {
			return nil, err
		}
		if path, err = addressArrayAt(input, 1); err != nil {
			return nil, err
		}
		if recipient, err = addressAt(input, 2); err != nil {
			return nil, err
		}
		deadline, _ = word(input, 3)
		amountIn = new(big.Int).Set(tx.Value)

	case variant.ETHIn && variant.ExactOut:
		// swapETHForExactTokens(amountOut, path, to, deadline)
		if amountOut, err = word(input, 0); err != nil {
			return nil, err
		}
		if path, err = addressArrayAt(input, 1); err != nil {
			return nil, err
		}
		if recipient, err = addressAt(input, 2); err != nil {
			return nil, err
		}
		deadline, _ = word(input, 3)
		// value是愿意支付的上限
		amountIn = new(big.Int).Set(tx.Value)
		amountOutMin = new(big.Int).Set(amountOut)

	case variant.ExactOut:
		// swapTokensForExactTokens / swapTokensForExactETH (amountOut, amountInMax, path, to, deadline)
		if amountOut, err = word(input, 0); err != nil {
			return nil, err
		}
		if amountIn, err = word(input, 1); err != nil {
			return nil, err
		}
		if path, err = addressArrayAt(input, 2); err != nil {
			return nil, err
		}
		if recipient, err = addressAt(input, 3); err != nil {
			return nil, err
		}
		deadline, _ = word(input, 4)
		amountOutMin = new(big.Int).Set(amountOut)

	default:
		// swapExactTokensForTokens / swapExactTokensForETH (amountIn, amountOutMin, path, to, deadline)
		if amountIn, err = word(input, 0); err != nil {
			return nil, err
		}
		if amountOutMin, err = word(input, 1); err != nil {
			return nil, err
		}
		if path, err = addressArrayAt(input, 2); err != nil {
			return nil, err
		}
		if recipient, err = addressAt(input, 3); err != nil {
			return nil, err
		}
		deadline, _ = word(input, 4)
	}

	if len(path) < 2 {
		return nil, fmt.Errorf("兑换路径长度非法: %d", len(path))
	}

	tokenIn := path[0]
	tokenOut := path[len(path)-1]

	// ETH隐式腿替换为包装原生资产
	if variant.ETHIn {
		tokenIn = d.wrappedNative
	}
	if variant.ETHOut {
		tokenOut = d.wrappedNative
	}

	return &models.SwapDetails{
		Protocol:     protocol,
		Method:       variant.Method,
		Router:       *tx.To,
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		AmountIn:     amountIn,
		AmountOutMin: amountOutMin,
		ExactOutput:  variant.ExactOut,
		AmountOut:    amountOut,
		Path:         path,
		Recipient:    recipient,
		Deadline:     deadline,
	}, nil
}

// decodeERC20Transfer 解码ERC20转账
func (d *Decoder) decodeERC20Transfer(tx *models.PendingTransaction, isTransferFrom bool) (*models.ERC20TransferDetails, error) {
	if isTransferFrom {
		from, err := addressAt(tx.Input, 0)
		if err != nil {
			return nil, err
		}
		recipient, err := addressAt(tx.Input, 1)
		if err != nil {
			return nil, err
		}
		amount, err := word(tx.Input, 2)
		if err != nil {
			return nil, err
		}
		return &models.ERC20TransferDetails{
			Token:     *tx.To,
			From:      &from,
			Recipient: recipient,
			Amount:    amount,
		}, nil
	}

	recipient, err := addressAt(tx.Input, 0)
	if err != nil {
		return nil, err
	}
	amount, err := word(tx.Input, 1)
	if err != nil {
		return nil, err
	}
	return &models.ERC20TransferDetails{
		Token:     *tx.To,
		Recipient: recipient,
		Amount:    amount,
	}, nil
}

// decodeERC20Approval 解码ERC20授权
func (d *Decoder) decodeERC20Approval(tx *models.PendingTransaction) (*models.ERC20ApprovalDetails, error) {
	spender, err := addressAt(tx.Input, 0)
	if err != nil {
		return nil, err
	}
	amount, err := word(tx.Input, 1)
	if err != nil {
		return nil, err
	}
	return &models.ERC20ApprovalDetails{
		Token:   *tx.To,
		Spender: spender,
		Amount:  amount,
	}, nil
}

// decodeFlashLoan 解码闪电贷调用
func (d *Decoder) decodeFlashLoan(tx *models.PendingTransaction, selector string) (*models.FlashLoanDetails, error) {
	if selector == selFlashLoanSimple {
		// flashLoanSimple(receiver, asset, amount, params, referralCode)
		asset, err := addressAt(tx.Input, 1)
		if err != nil {
			return nil, err
		}
		amount, err := word(tx.Input, 2)
		if err != nil {
			return nil, err
		}
		return &models.FlashLoanDetails{
			Protocol: "aave_v3",
			Assets:   []common.Address{asset},
			Amounts:  []*big.Int{amount},
		}, nil
	}

	// flashLoan(receiver, assets[], amounts[], modes[], onBehalfOf, params, referralCode)
	assets, err := addressArrayAt(tx.Input, 1)
	if err != nil {
		return nil, err
	}
	amounts, err := uintArrayAt(tx.Input, 2)
	if err != nil {
		return nil, err
	}
	if len(assets) != len(amounts) {
		return nil, fmt.Errorf("资产与金额数组长度不一致: %d vs %d", len(assets), len(amounts))
	}
	return &models.FlashLoanDetails{
		Protocol: "aave_v3",
		Assets:   assets,
		Amounts:  amounts,
	}, nil
}

// decodeLiquidation 解码清算调用
// liquidationCall(collateralAsset, debtAsset, user, debtToCover, receiveAToken)
func (d *Decoder) decodeLiquidation(tx *models.PendingTransaction) (*models.LiquidationDetails, error) {
	collateral, err := addressAt(tx.Input, 0)
	if err != nil {
		return nil, err
	}
	debt, err := addressAt(tx.Input, 1)
	if err != nil {
		return nil, err
	}
	borrower, err := addressAt(tx.Input, 2)
	if err != nil {
		return nil, err
	}
	debtToCover, err := word(tx.Input, 3)
	if err != nil {
		return nil, err
	}
	return &models.LiquidationDetails{
		Protocol:        "aave_v3",
		CollateralAsset: collateral,
		DebtAsset:       debt,
		Borrower:        borrower,
		DebtToCover:     debtToCover,
	}, nil
}

// resolveSwapMetadata 解析兑换两侧的代币元数据
// 读端口失败回退静态代币表，元数据缺失不影响解码结果
func (d *Decoder) resolveSwapMetadata(ctx context.Context, swap *models.SwapDetails) {
	swap.TokenInMeta = d.resolveMetadata(ctx, swap.TokenIn)
	swap.TokenOutMeta = d.resolveMetadata(ctx, swap.TokenOut)
}

// resolveMetadata 解析单个代币元数据：缓存 -> 读端口 -> 静态表
func (d *Decoder) resolveMetadata(ctx context.Context, token common.Address) *models.TokenMetadata {
	key := token.Hex()
	if cached, ok := d.metaCache.Get(key); ok {
		return cached.(*models.TokenMetadata)
	}

	if d.metaPort != nil {
		if meta, err := d.metaPort.GetTokenMetadata(ctx, token); err == nil && meta != nil {
			d.metaCache.Set(key, meta)
			return meta
		} else if err != nil {
			d.logger.Debugf("代币 %s 元数据获取失败，回退静态表: %v", key, err)
		}
	}

	if meta := lookupWellKnown(token); meta != nil {
		d.metaCache.Set(key, meta)
		return meta
	}
	return nil
}
