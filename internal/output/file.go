package output

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"mevscan/pkg/models"

	"github.com/sirupsen/logrus"
)

// FileOutput 文件输出器
// 每种数据类型一个JSON Lines文件，可选gzip压缩
type FileOutput struct {
	logger *logrus.Logger

	mu      sync.Mutex
	writers map[string]io.WriteCloser
	files   map[string]*os.File
}

// NewFileOutput 创建文件输出器
func NewFileOutput(directory string, compress bool, logger *logrus.Logger) (*FileOutput, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	out := &FileOutput{
		logger:  logger,
		writers: make(map[string]io.WriteCloser),
		files:   make(map[string]*os.File),
	}

	for _, kind := range []string{"opportunities", "rejections", "risk_events", "stats"} {
		name := kind + ".jsonl"
		if compress {
			name += ".gz"
		}
		file, err := os.OpenFile(filepath.Join(directory, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("打开输出文件 %s 失败: %w", name, err)
		}
		out.files[kind] = file
		if compress {
			out.writers[kind] = gzip.NewWriter(file)
		} else {
			out.writers[kind] = file
		}
	}

	return out, nil
}

// writeLine 写入一行JSON
func (f *FileOutput) writeLine(kind string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	writer, exists := f.writers[kind]
	if !exists {
		return fmt.Errorf("未知输出类型: %s", kind)
	}
	if _, err := writer.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", kind, err)
	}
	return nil
}

// WriteOpportunity 写入机会数据
func (f *FileOutput) WriteOpportunity(opp *models.Opportunity) error {
	if opp == nil {
		return nil
	}
	return f.writeLine("opportunities", opp)
}

// WriteRejection 写入拒绝记录
func (f *FileOutput) WriteRejection(rejection *Rejection) error {
	if rejection == nil {
		return nil
	}
	return f.writeLine("rejections", rejection)
}

// WriteRiskEvent 写入风控事件
func (f *FileOutput) WriteRiskEvent(event *RiskEvent) error {
	if event == nil {
		return nil
	}
	return f.writeLine("risk_events", event)
}

// WriteStats 写入统计快照
func (f *FileOutput) WriteStats(stats *models.OpportunityStats) error {
	if stats == nil {
		return nil
	}
	return f.writeLine("stats", stats)
}

// Close 关闭全部输出文件
func (f *FileOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for kind, writer := range f.writers {
		// gzip包装器需要先于底层文件关闭以刷出尾部
		if closer, ok := writer.(*gzip.Writer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if file, exists := f.files[kind]; exists {
			if err := file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	f.writers = make(map[string]io.WriteCloser)
	f.files = make(map[string]*os.File)
	return firstErr
}
