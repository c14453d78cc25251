package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mevscan/internal/config"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// ConnectionPool 以太坊连接池
// 多节点按优先级故障转移；每个节点维护一个有界客户端池
type ConnectionPool struct {
	nodes       []*config.NodeConfig
	pools       map[string]*NodePool
	logger      *logrus.Logger
	mu          sync.RWMutex
	healthCheck time.Duration
}

// NodePool 单个节点的连接池
type NodePool struct {
	nodeConfig *config.NodeConfig
	clients    chan *ethclient.Client
	maxSize    int
	current    int
	logger     *logrus.Logger
	mu         sync.Mutex
	isHealthy  bool
	lastCheck  time.Time
}

// NewConnectionPool 创建连接池
func NewConnectionPool(nodes []*config.NodeConfig, logger *logrus.Logger) *ConnectionPool {
	return &ConnectionPool{
		nodes:       nodes,
		pools:       make(map[string]*NodePool),
		logger:      logger,
		healthCheck: 30 * time.Second,
	}
}

// Initialize 初始化连接池
// 所有节点都不可达属于致命初始化错误，中止启动
func (cp *ConnectionPool) Initialize(ctx context.Context) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, node := range cp.nodes {
		pool, err := NewNodePool(node, 8, cp.logger)
		if err != nil {
			cp.logger.Warnf("初始化节点 %s 连接池失败: %v", node.Name, err)
			continue
		}

		cp.pools[node.Name] = pool
		cp.logger.Infof("节点 %s 连接池已初始化", node.Name)
	}

	if len(cp.pools) == 0 {
		return fmt.Errorf("没有可用的节点连接池")
	}

	go cp.healthChecker(ctx)

	return nil
}

// NewNodePool 创建节点连接池
func NewNodePool(nodeConfig *config.NodeConfig, maxSize int, logger *logrus.Logger) (*NodePool, error) {
	pool := &NodePool{
		nodeConfig: nodeConfig,
		clients:    make(chan *ethclient.Client, maxSize),
		maxSize:    maxSize,
		logger:     logger,
		isHealthy:  true,
	}

	// 预创建首个连接，验证节点可达
	client, err := pool.createClient()
	if err != nil {
		return nil, err
	}
	pool.clients <- client
	pool.current = 1

	return pool, nil
}

// createClient 创建新的以太坊客户端并验证连通性
func (np *NodePool) createClient() (*ethclient.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(ctx, np.nodeConfig.URL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}

	if _, err = client.ChainID(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("节点连通性验证失败: %w", err)
	}

	return client, nil
}

// Get 从节点池获取客户端，池空时新建
func (np *NodePool) Get() (*ethclient.Client, error) {
	select {
	case client := <-np.clients:
		return client, nil
	default:
	}

	np.mu.Lock()
	canCreate := np.current < np.maxSize
	if canCreate {
		np.current++
	}
	np.mu.Unlock()

	if canCreate {
		client, err := np.createClient()
		if err != nil {
			np.mu.Lock()
			np.current--
			np.mu.Unlock()
			return nil, err
		}
		return client, nil
	}

	// 池已满且全部被借出，等待归还
	select {
	case client := <-np.clients:
		return client, nil
	case <-time.After(2 * time.Second):
		return nil, fmt.Errorf("等待节点 %s 连接超时", np.nodeConfig.Name)
	}
}

// Put 归还客户端
func (np *NodePool) Put(client *ethclient.Client) {
	select {
	case np.clients <- client:
	default:
		// 池已满，直接关闭多余连接
		client.Close()
		np.mu.Lock()
		np.current--
		np.mu.Unlock()
	}
}

// checkHealth 检查节点健康状态
func (np *NodePool) checkHealth() {
	client, err := np.Get()
	if err != nil {
		np.mu.Lock()
		np.isHealthy = false
		np.lastCheck = time.Now()
		np.mu.Unlock()
		return
	}
	defer np.Put(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.BlockNumber(ctx)

	np.mu.Lock()
	np.isHealthy = err == nil
	np.lastCheck = time.Now()
	np.mu.Unlock()
}

// healthChecker 定时健康检查
func (cp *ConnectionPool) healthChecker(ctx context.Context) {
	ticker := time.NewTicker(cp.healthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp.mu.RLock()
			pools := make([]*NodePool, 0, len(cp.pools))
			for _, pool := range cp.pools {
				pools = append(pools, pool)
			}
			cp.mu.RUnlock()

			for _, pool := range pools {
				pool.checkHealth()
			}
		}
	}
}

// orderedPools 按优先级排序的健康节点池
func (cp *ConnectionPool) orderedPools() []*NodePool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	pools := make([]*NodePool, 0, len(cp.pools))
	for _, pool := range cp.pools {
		pool.mu.Lock()
		healthy := pool.isHealthy
		pool.mu.Unlock()
		if healthy {
			pools = append(pools, pool)
		}
	}

	// 全部不健康时退回全量列表，由调用方重试
	if len(pools) == 0 {
		for _, pool := range cp.pools {
			pools = append(pools, pool)
		}
	}

	sort.Slice(pools, func(i, j int) bool {
		return pools[i].nodeConfig.Priority < pools[j].nodeConfig.Priority
	})
	return pools
}

// Execute 在可用节点上执行操作，按优先级故障转移
func (cp *ConnectionPool) Execute(ctx context.Context, operation string, fn func(client *ethclient.Client) error) error {
	var lastErr error

	for _, pool := range cp.orderedPools() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		client, err := pool.Get()
		if err != nil {
			lastErr = err
			continue
		}

		err = fn(client)
		pool.Put(client)
		if err == nil {
			return nil
		}

		lastErr = err
		cp.logger.Debugf("操作 '%s' 在节点 %s 上失败，尝试下一节点: %v", operation, pool.nodeConfig.Name, err)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("没有可用节点")
	}
	return fmt.Errorf("操作 '%s' 在所有节点上失败: %w", operation, lastErr)
}

// Close 关闭所有连接
func (cp *ConnectionPool) Close() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for name, pool := range cp.pools {
		close(pool.clients)
		for client := range pool.clients {
			client.Close()
		}
		cp.logger.Debugf("节点 %s 连接池已关闭", name)
	}
	cp.pools = make(map[string]*NodePool)
}
