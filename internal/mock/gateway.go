// Package mock provides in-memory fakes of the external collaborators
// (ChainGateway, PriceOracle) used across the engine's tests, mirroring
// the teacher's internal/mock test-double pattern.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"gridmm/internal/core"
)

// Gateway is an in-memory core.ChainGateway fake.
type Gateway struct {
	mu sync.Mutex

	Orders    map[string]core.ChainOrder
	Balances  map[string]core.AccountTotals // assetID -> totals
	Assets    map[string]core.AssetInfo     // symbol -> info
	Schedule  core.FeeSchedule
	nextID    int
	fills     chan core.FillEvent
	CreateErr error
	CancelErr error
	UpdateErr error
}

// NewGateway builds an empty Gateway fake.
func NewGateway() *Gateway {
	return &Gateway{
		Orders:   make(map[string]core.ChainOrder),
		Balances: make(map[string]core.AccountTotals),
		Assets:   make(map[string]core.AssetInfo),
		fills:    make(chan core.FillEvent, 64),
	}
}

func (g *Gateway) GetOpenOrders(ctx context.Context, account string) ([]core.ChainOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.ChainOrder, 0, len(g.Orders))
	for _, o := range g.Orders {
		out = append(out, o)
	}
	return out, nil
}

func (g *Gateway) GetBalances(ctx context.Context, account string, assetIDs []string) (map[string]core.AccountTotals, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]core.AccountTotals, len(assetIDs))
	for _, id := range assetIDs {
		out[id] = g.Balances[id]
	}
	return out, nil
}

func (g *Gateway) GetAssetInfo(ctx context.Context, symbol string) (core.AssetInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.Assets[symbol]
	if !ok {
		return core.AssetInfo{}, fmt.Errorf("mock: unknown asset %s", symbol)
	}
	return info, nil
}

func (g *Gateway) GetFeeSchedule(ctx context.Context) (core.FeeSchedule, error) {
	return g.Schedule, nil
}

func (g *Gateway) SubscribeFills(ctx context.Context, account string) (<-chan core.FillEvent, error) {
	return g.fills, nil
}

// PushFill injects a fill event for tests driving the subscription path.
func (g *Gateway) PushFill(f core.FillEvent) {
	g.fills <- f
}

func (g *Gateway) CreateOrder(ctx context.Context, account, signKey string, req core.PlaceOrderRequest) (string, error) {
	if g.CreateErr != nil {
		return "", g.CreateErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := fmt.Sprintf("chain-%d", g.nextID)
	g.Orders[id] = core.ChainOrder{
		OrderID:      id,
		BaseAssetID:  req.SellAsset,
		QuoteAssetID: req.ReceiveAsset,
		ForSale:      0,
		SellPrice:    decimal.Zero,
	}
	return id, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, account, signKey, chainOrderID string) error {
	if g.CancelErr != nil {
		return g.CancelErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.Orders, chainOrderID)
	return nil
}

func (g *Gateway) UpdateOrder(ctx context.Context, account, signKey, chainOrderID string, amountToSell, minToReceive decimal.Decimal) (bool, error) {
	if g.UpdateErr != nil {
		return false, g.UpdateErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.Orders[chainOrderID]
	if !ok {
		return false, fmt.Errorf("mock: order not found %s", chainOrderID)
	}
	o.SellPrice = o.SellPrice
	g.Orders[chainOrderID] = o
	return true, nil
}

// Oracle is a fixed-price core.PriceOracle fake.
type Oracle struct {
	Price decimal.Decimal
	Ok    bool
	Err   error
}

func (o *Oracle) DerivePrice(ctx context.Context, base, quote string, mode core.PriceOracleMode) (decimal.Decimal, bool, error) {
	return o.Price, o.Ok, o.Err
}

// Logger is a core.ILogger fake that appends every message, prefixed
// with its level, to Messages, useful for asserting warn/error paths
// fired without a real logging backend.
type Logger struct {
	mu       sync.Mutex
	fields   map[string]interface{}
	Messages []string
}

func NewLogger() *Logger {
	return &Logger{fields: map[string]interface{}{}}
}

func (l *Logger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, level+": "+msg)
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.record("debug", msg) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.record("info", msg) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.record("warn", msg) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.record("error", msg) }
func (l *Logger) Fatal(msg string, fields ...interface{}) { l.record("fatal", msg) }

func (l *Logger) WithField(key string, value interface{}) core.ILogger {
	return l
}

func (l *Logger) WithFields(fields map[string]interface{}) core.ILogger {
	return l
}
