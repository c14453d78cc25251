package chain

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	"mevscan/internal/cache"
	"mevscan/internal/config"
	"mevscan/internal/connection"
	"mevscan/internal/gas"
	"mevscan/internal/retry"
	"mevscan/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Uniswap V2交易对与ERC20查询选择器
var (
	selGetReserves = common.Hex2Bytes("0902f1ac")
	selToken0      = common.Hex2Bytes("0dfe1681")
	selToken1      = common.Hex2Bytes("d21220a7")
	selSymbol      = common.Hex2Bytes("95d89b41")
	selDecimals    = common.Hex2Bytes("313ce567")
	selGetPair     = common.Hex2Bytes("e6a43905")
)

// pairTokens 交易对的代币地址，链上不可变，长期缓存
type pairTokens struct {
	token0 common.Address
	token1 common.Address
}

// StateReader 链状态读端口
// 所有调用带单次超时；同一交易对在一次分析内使用同一个储备量快照
type StateReader struct {
	pool       *connection.ConnectionPool
	config     *config.ChainConfig
	logger     *logrus.Logger
	retrier    *retry.Retrier
	rpcTimeout time.Duration

	reserveCache *cache.TTLMap // 短TTL储备量缓存
	tokenCache   *cache.TTLMap // 交易对代币地址缓存
	metaCache    *cache.TTLMap // 代币元数据缓存
}

// NewStateReader 创建链状态读取器
func NewStateReader(pool *connection.ConnectionPool, cfg *config.ChainConfig, logger *logrus.Logger) *StateReader {
	return &StateReader{
		pool:         pool,
		config:       cfg,
		logger:       logger,
		retrier:      retry.NewRetrier(retry.ReadPortRetryConfig, logger),
		rpcTimeout:   config.ParseDuration(cfg.RPCTimeout, 800*time.Millisecond),
		reserveCache: cache.NewTTLMap(config.ParseDuration(cfg.ReserveTTL, 3*time.Second)),
		tokenCache:   cache.NewTTLMap(24 * time.Hour),
		metaCache:    cache.NewTTLMap(config.ParseDuration(cfg.MetadataTTL, 10*time.Minute)),
	}
}

// StartSweeper 启动缓存清理协程
func (r *StateReader) StartSweeper(ctx context.Context) {
	r.reserveCache.StartSweeper(ctx, 10*time.Second)
	r.metaCache.StartSweeper(ctx, time.Minute)
}

// callContract 带超时与重试的eth_call
func (r *StateReader) callContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var result []byte

	err := r.retrier.Execute(ctx, "eth_call", func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
		defer cancel()

		return r.pool.Execute(callCtx, "eth_call", func(client *ethclient.Client) error {
			out, err := client.CallContract(callCtx, ethereum.CallMsg{
				To:   &to,
				Data: data,
			}, nil)
			if err != nil {
				return err
			}
			result = out
			return nil
		})
	})
	return result, err
}

// GetReserves 获取交易对储备量
// 短TTL缓存；超过最大时效强制重新获取，保证三明治计算不依赖过期储备
func (r *StateReader) GetReserves(ctx context.Context, pair common.Address) (*models.PoolReserves, error) {
	maxAge := config.ParseDuration(r.config.ReserveMaxAge, 12*time.Second)
	if cached, ok := r.reserveCache.Get(pair.Hex()); ok {
		reserves := cached.(*models.PoolReserves)
		if !reserves.IsStale(maxAge) {
			return reserves, nil
		}
	}

	tokens, err := r.getPairTokens(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("获取交易对代币失败: %w", err)
	}

	out, err := r.callContract(ctx, pair, selGetReserves)
	if err != nil {
		return nil, fmt.Errorf("getReserves调用失败: %w", err)
	}
	if len(out) < 96 {
		return nil, fmt.Errorf("getReserves返回数据长度非法: %d", len(out))
	}

	reserves := &models.PoolReserves{
		Pair:      pair,
		Token0:    tokens.token0,
		Token1:    tokens.token1,
		Reserve0:  new(big.Int).SetBytes(out[:32]),
		Reserve1:  new(big.Int).SetBytes(out[32:64]),
		UpdatedAt: time.Now(),
	}

	r.reserveCache.Set(pair.Hex(), reserves)
	return reserves, nil
}

// getPairTokens 获取交易对的两个代币地址（不可变，长期缓存）
func (r *StateReader) getPairTokens(ctx context.Context, pair common.Address) (*pairTokens, error) {
	if cached, ok := r.tokenCache.Get(pair.Hex()); ok {
		return cached.(*pairTokens), nil
	}

	out0, err := r.callContract(ctx, pair, selToken0)
	if err != nil {
		return nil, err
	}
	out1, err := r.callContract(ctx, pair, selToken1)
	if err != nil {
		return nil, err
	}
	if len(out0) < 32 || len(out1) < 32 {
		return nil, fmt.Errorf("token0/token1返回数据长度非法")
	}

	tokens := &pairTokens{
		token0: common.BytesToAddress(out0[12:32]),
		token1: common.BytesToAddress(out1[12:32]),
	}
	r.tokenCache.Set(pair.Hex(), tokens)
	return tokens, nil
}

// GetTokenMetadata 获取代币元数据 (symbol, decimals)
func (r *StateReader) GetTokenMetadata(ctx context.Context, token common.Address) (*models.TokenMetadata, error) {
	if cached, ok := r.metaCache.Get(token.Hex()); ok {
		return cached.(*models.TokenMetadata), nil
	}

	symOut, err := r.callContract(ctx, token, selSymbol)
	if err != nil {
		return nil, fmt.Errorf("symbol调用失败: %w", err)
	}
	decOut, err := r.callContract(ctx, token, selDecimals)
	if err != nil {
		return nil, fmt.Errorf("decimals调用失败: %w", err)
	}
	if len(decOut) < 32 {
		return nil, fmt.Errorf("decimals返回数据长度非法")
	}

	meta := &models.TokenMetadata{
		Address:  token,
		Symbol:   parseSymbol(symOut),
		Decimals: uint8(new(big.Int).SetBytes(decOut[:32]).Uint64()),
	}
	r.metaCache.Set(token.Hex(), meta)
	return meta, nil
}

// parseSymbol 解析symbol返回值
// 标准ERC20返回动态string，个别老代币返回bytes32
func parseSymbol(out []byte) string {
	if len(out) == 32 {
		// bytes32变体，去除尾部零字节
		return string(bytes.TrimRight(out, "\x00"))
	}
	if len(out) >= 64 {
		length := new(big.Int).SetBytes(out[32:64])
		if length.IsInt64() {
			n := int(length.Int64())
			if n >= 0 && 64+n <= len(out) {
				return string(out[64 : 64+n])
			}
		}
	}
	return ""
}

// GetPairAddress 查询工厂合约中两个代币的交易对地址
// 地址不可变，长期缓存；工厂未创建该交易对时返回零地址与错误
func (r *StateReader) GetPairAddress(ctx context.Context, factory, tokenA, tokenB common.Address) (common.Address, error) {
	key := "pair:" + factory.Hex() + ":" + tokenA.Hex() + ":" + tokenB.Hex()
	if cached, ok := r.tokenCache.Get(key); ok {
		return cached.(common.Address), nil
	}

	data := make([]byte, 0, 68)
	data = append(data, selGetPair...)
	data = append(data, common.LeftPadBytes(tokenA.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(tokenB.Bytes(), 32)...)

	out, err := r.callContract(ctx, factory, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("getPair调用失败: %w", err)
	}
	if len(out) < 32 {
		return common.Address{}, fmt.Errorf("getPair返回数据长度非法: %d", len(out))
	}

	pair := common.BytesToAddress(out[12:32])
	if pair == (common.Address{}) {
		return common.Address{}, fmt.Errorf("工厂 %s 中不存在交易对 %s/%s", factory.Hex(), tokenA.Hex(), tokenB.Hex())
	}

	r.tokenCache.Set(key, pair)
	return pair, nil
}

// GetLatestBlock 获取最新区块摘要
func (r *StateReader) GetLatestBlock(ctx context.Context) (*gas.ChainHead, error) {
	var head *gas.ChainHead

	err := r.retrier.Execute(ctx, "header_by_number", func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
		defer cancel()

		return r.pool.Execute(callCtx, "header_by_number", func(client *ethclient.Client) error {
			header, err := client.HeaderByNumber(callCtx, nil)
			if err != nil {
				return err
			}
			head = &gas.ChainHead{
				Number:  header.Number.Uint64(),
				BaseFee: header.BaseFee,
			}
			return nil
		})
	})
	return head, err
}

// GetFeeHistory 查询费用历史，返回每个区块各百分位的优先费奖励
func (r *StateReader) GetFeeHistory(ctx context.Context, blocks int, percentiles []float64) ([][]*big.Int, error) {
	var rewards [][]*big.Int

	err := r.retrier.Execute(ctx, "fee_history", func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
		defer cancel()

		return r.pool.Execute(callCtx, "fee_history", func(client *ethclient.Client) error {
			history, err := client.FeeHistory(callCtx, uint64(blocks), nil, percentiles)
			if err != nil {
				return err
			}
			rewards = history.Reward
			return nil
		})
	})
	return rewards, err
}

// SuggestGasPrice 查询建议gas价格 (legacy模式)
func (r *StateReader) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int

	err := r.retrier.Execute(ctx, "suggest_gas_price", func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.rpcTimeout)
		defer cancel()

		return r.pool.Execute(callCtx, "suggest_gas_price", func(client *ethclient.Client) error {
			p, err := client.SuggestGasPrice(callCtx)
			if err != nil {
				return err
			}
			price = p
			return nil
		})
	})
	return price, err
}
