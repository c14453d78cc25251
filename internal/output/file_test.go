package output

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mevscan/internal/config"
	"mevscan/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testOpportunity() *models.Opportunity {
	return &models.Opportunity{
		ID:   "opp_1",
		Type: models.StrategySandwich,
		Best: &models.StrategyCandidate{
			Kind:      models.StrategySandwich,
			AmountIn:  big.NewInt(1e18),
			NetProfit: big.NewInt(5e16),
			ROIBps:    500,
		},
		EstimatedProfitWei: big.NewInt(5e16),
		CreatedAt:          time.Now(),
		Status:             models.OpportunityDetected,
	}
}

func TestFileOutputWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	out, err := NewFileOutput(dir, false, quietLogger())
	require.NoError(t, err)

	require.NoError(t, out.WriteOpportunity(testOpportunity()))
	require.NoError(t, out.WriteOpportunity(testOpportunity()))
	require.NoError(t, out.WriteRejection(&Rejection{
		Opportunity: testOpportunity(),
		Reason:      "预估利润未超过下限",
		Timestamp:   time.Now().Unix(),
	}))
	require.NoError(t, out.WriteStats(&models.OpportunityStats{
		Detected:            2,
		CumulativeProfitWei: big.NewInt(0),
		CumulativeGasWei:    big.NewInt(0),
	}))
	// nil输入直接忽略
	require.NoError(t, out.WriteOpportunity(nil))
	require.NoError(t, out.Close())

	file, err := os.Open(filepath.Join(dir, "opportunities.jsonl"))
	require.NoError(t, err)
	defer file.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "opp_1", lines[0]["id"])
	// 金额序列化为十进制字符串
	assert.Equal(t, "50000000000000000", lines[0]["estimated_profit_wei"])

	rejFile, err := os.ReadFile(filepath.Join(dir, "rejections.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(rejFile), "预估利润未超过下限")
}

func TestFileOutputGzip(t *testing.T) {
	dir := t.TempDir()
	out, err := NewFileOutput(dir, true, quietLogger())
	require.NoError(t, err)

	require.NoError(t, out.WriteOpportunity(testOpportunity()))
	require.NoError(t, out.Close())

	file, err := os.Open(filepath.Join(dir, "opportunities.jsonl.gz"))
	require.NoError(t, err)
	defer file.Close()

	reader, err := gzip.NewReader(file)
	require.NoError(t, err)
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	require.True(t, scanner.Scan())
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	assert.Equal(t, "opp_1", entry["id"])
}

func TestFileOutputRiskEvent(t *testing.T) {
	dir := t.TempDir()
	out, err := NewFileOutput(dir, false, quietLogger())
	require.NoError(t, err)

	require.NoError(t, out.WriteRiskEvent(&RiskEvent{
		Kind:      "emergency_stop",
		Detail:    "周亏损超过上限",
		Timestamp: time.Now().Unix(),
	}))
	require.NoError(t, out.Close())

	data, err := os.ReadFile(filepath.Join(dir, "risk_events.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "emergency_stop")
}

func TestNewOutputFactory(t *testing.T) {
	dir := t.TempDir()

	out, err := NewOutput(&config.OutputConfig{Format: "file", Directory: dir}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, out.Close())

	_, err = NewOutput(&config.OutputConfig{Format: "carrier_pigeon"}, quietLogger())
	assert.Error(t, err)
}
