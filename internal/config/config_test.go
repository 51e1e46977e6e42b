package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fenggeHu/pybt/internal/execution"
	"github.com/fenggeHu/pybt/internal/portfolio"
	"github.com/fenggeHu/pybt/internal/strategy"
	"github.com/fenggeHu/pybt/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const validDoc = `
run:
  initial_cash: "250000"
data:
  type: csv
  path: /data/bars.csv
  symbol: AAPL
strategies:
  - type: moving_average
    symbol: AAPL
    short_window: 5
    long_window: 20
portfolio:
  sizing: weighted
  lot_size: 10
  max_leverage: "1.5"
risk:
  max_position: 500
  fee_rate: "0.001"
  max_concentration: "0.25"
execution:
  fill_timing: current_close
  slippage_mode: bps
  slippage_value: "2"
  commission_per_unit: "0.01"
reporting:
  equity_curve: true
notifications:
  enabled: true
  min_severity: warning
  dedupe_ttl: 5m
  channels:
    - type: console
server:
  max_concurrent_runs: 4
  queue_size: 16
`

func TestLoadFromBytes_Valid(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validDoc))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.InitialCash().Equal(d("250000")) {
		t.Errorf("initial cash = %s", cfg.InitialCash())
	}
	if cfg.Data.Type != "csv" || cfg.Data.Path != "/data/bars.csv" {
		t.Errorf("data = %+v", cfg.Data)
	}
	if len(cfg.Strategies) != 1 || cfg.Strategies[0].LongWindow != 20 {
		t.Errorf("strategies = %+v", cfg.Strategies)
	}
	if cfg.Notify.MinSeverity != "warning" {
		t.Errorf("min severity = %q", cfg.Notify.MinSeverity)
	}
	if cfg.Server.MaxConcurrentRuns != 4 {
		t.Errorf("max concurrent = %d", cfg.Server.MaxConcurrentRuns)
	}
}

func TestLoadFromBytes_UnknownFieldRejected(t *testing.T) {
	doc := strings.Replace(validDoc, "queue_size: 16", "queue_sise: 16", 1)
	_, err := LoadFromBytes([]byte(doc))
	if err == nil {
		t.Fatal("typo accepted")
	}
	if !errors.Is(err, types.ErrUnknownField) {
		t.Errorf("err = %v, want ErrUnknownField", err)
	}
}

func TestLoadFromBytes_LenientAcceptsUnknownFields(t *testing.T) {
	doc := strings.Replace(validDoc, "queue_size: 16", "queue_size: 16\n  future_knob: 3", 1)

	if _, err := LoadFromBytes([]byte(doc)); !errors.Is(err, types.ErrUnknownField) {
		t.Fatalf("strict load = %v, want ErrUnknownField", err)
	}

	cfg, err := LoadFromBytes([]byte(doc), WithLenientFields())
	if err != nil {
		t.Fatalf("lenient load: %v", err)
	}
	if cfg.Server.QueueSize != 16 {
		t.Errorf("queue size = %d", cfg.Server.QueueSize)
	}
}

func TestFeedTypeAliases(t *testing.T) {
	cases := map[string]string{
		"local_csv":   "csv",
		"local_file":  "csv",
		"live_api":    "rest",
		"push_stream": "websocket",
		"csv":         "csv",
		"inmemory":    "inmemory",
	}
	for alias, want := range cases {
		cfg := &Config{Data: DataConfig{Type: alias}}
		if got := cfg.FeedType(); got != want {
			t.Errorf("FeedType(%q) = %q, want %q", alias, got, want)
		}
	}
}

func TestValidate_AcceptsAliasedFeedTypes(t *testing.T) {
	doc := strings.Replace(validDoc, "type: csv", "type: local_csv", 1)
	if _, err := LoadFromBytes([]byte(doc)); err != nil {
		t.Errorf("local_csv rejected: %v", err)
	}

	doc = strings.Replace(validDoc,
		"type: csv\n  path: /data/bars.csv",
		"type: live_api\n  url: https://data.example.com/bars", 1)
	if _, err := LoadFromBytes([]byte(doc)); err != nil {
		t.Errorf("live_api rejected: %v", err)
	}

	// Aliases still enforce their requirements.
	doc = strings.Replace(validDoc,
		"type: csv\n  path: /data/bars.csv",
		"type: push_stream", 1)
	if _, err := LoadFromBytes([]byte(doc)); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("push_stream without url = %v, want ErrInvalidConfig", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	doc := `
run:
  initial_cash: "-5"
data:
  type: carrierpigeon
strategies: []
portfolio:
  sizing: vibes
execution:
  fill_timing: whenever
`
	_, err := LoadFromBytes([]byte(doc))
	if err == nil {
		t.Fatal("invalid document accepted")
	}
	if !errors.Is(err, types.ErrInvalidConfig) {
		t.Fatalf("err = %v", err)
	}
	for _, want := range []string{
		"initial_cash",
		"carrierpigeon",
		"strategies",
		"vibes",
		"whenever",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q: %v", want, err)
		}
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("BARS_PATH", "/tmp/bars.csv")
	doc := strings.Replace(validDoc, "/data/bars.csv", "${BARS_PATH}", 1)

	cfg, err := LoadFromBytes([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Data.Path != "/tmp/bars.csv" {
		t.Errorf("path = %q", cfg.Data.Path)
	}
}

func TestBuildSizerAndChain(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validDoc))
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := cfg.BuildSizer().(portfolio.WeightAllocator); !ok {
		t.Errorf("sizer = %T, want WeightAllocator", cfg.BuildSizer())
	}
	// max_position + buying_power + concentration; no price band configured.
	if got := len(cfg.BuildRiskChain()); got != 3 {
		t.Errorf("chain length = %d, want 3", got)
	}

	exec := cfg.BuildExecution()
	if exec.Timing != execution.FillCurrentClose {
		t.Errorf("timing = %s", exec.Timing)
	}
	if exec.Slippage != execution.SlippageBps || !exec.SlippageValue.Equal(d("2")) {
		t.Errorf("slippage = %v %s", exec.Slippage, exec.SlippageValue)
	}
}

func TestBuildEngine_RunsFromCSV(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "bars.csv")
	csv := `timestamp,open,high,low,close,volume
2024-03-01T09:30:00Z,100,101,99,100,10000
2024-03-01T09:31:00Z,100,101,99,100,10000
2024-03-01T09:32:00Z,100,101,99,100,10000
2024-03-01T09:33:00Z,110,111,109,110,10000
2024-03-01T09:34:00Z,112,113,111,112,10000
`
	if err := os.WriteFile(csvPath, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	doc := `
run:
  initial_cash: "100000"
data:
  type: csv
  path: ` + csvPath + `
  symbol: AAPL
strategies:
  - type: moving_average
    symbol: AAPL
    short_window: 2
    long_window: 3
portfolio:
  lot_size: 10
`
	cfg, err := LoadFromBytes([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	asm, err := cfg.BuildEngine(strategy.NewRegistry(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer asm.Close()

	if asm.RunID == "" {
		t.Error("run id not generated")
	}

	res, err := asm.Engine.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Bars != 5 {
		t.Errorf("bars = %d, want 5", res.Bars)
	}
	if res.Signals != 1 {
		t.Errorf("signals = %d, want the crossover long", res.Signals)
	}
}

func TestBuildStrategies_UnknownType(t *testing.T) {
	cfg := &Config{Strategies: []StrategyConfig{{Type: "astrology"}}}
	_, err := cfg.BuildStrategies(strategy.NewRegistry())
	if !errors.Is(err, types.ErrUnknownType) {
		t.Errorf("err = %v", err)
	}
}
