package etrade

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"brokerd/internal/domain"
)

const quoteBatchSize = 25

// Quote fetches quotes in batches of quoteBatchSize symbols. Results keep the
// order of the (deduplicated, upper-cased) request; blank symbols are
// skipped.
func (p *Provider) Quote(ctx context.Context, symbols []string) ([]domain.Quote, error) {
	wanted := domain.UniqueSymbols(symbols)
	if len(wanted) == 0 {
		return nil, nil
	}
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}

	var out []domain.Quote
	for _, group := range chunk(wanted, quoteBatchSize) {
		payload, err := p.requestJSON(ctx, http.MethodGet,
			quotePathPrefix+"/"+strings.Join(group, ","),
			url.Values{"detailFlag": {"ALL"}}, nil, "quote", true)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		for _, row := range quoteRows(payload) {
			all := obj(row, "All")
			product := obj(row, "Product")
			symbol := strings.ToUpper(firstString(product["symbol"], row["symbol"]))
			if symbol == "" {
				continue
			}
			currency := firstString(product["currency"])
			if currency == "" {
				currency = "USD"
			}
			out = append(out, domain.Quote{
				Symbol:    symbol,
				Bid:       floatPtr(all["bid"]),
				Ask:       floatPtr(all["ask"]),
				Last:      floatPtr(all["lastTrade"]),
				Volume:    floatPtr(all["totalVolume"]),
				Timestamp: now,
				Exchange:  firstString(product["exchange"]),
				Currency:  currency,
			})
		}
	}
	return out, nil
}

// Positions lists the account portfolio.
func (p *Provider) Positions(ctx context.Context) ([]domain.Position, error) {
	account, err := p.requireAccount(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := p.requestJSON(ctx, http.MethodGet, "/v1/accounts/"+account+"/portfolio", nil, nil, "positions", true)
	if err != nil {
		return nil, err
	}

	var out []domain.Position
	for _, row := range positionRows(payload) {
		product := obj(row, "Product")
		quick := obj(row, "Quick")
		symbol := strings.ToUpper(firstString(product["symbol"], quick["symbol"]))
		if symbol == "" {
			continue
		}

		qty := floatOr(0, row["quantity"])
		avgCost := floatOr(0, row["pricePaid"])
		marketPrice := floatPtr(quick["lastTrade"])

		marketValue := floatPtr(row["marketValue"])
		if marketValue == nil && marketPrice != nil {
			v := *marketPrice * qty
			marketValue = &v
		}
		unrealized := floatPtr(row["totalGain"])
		if unrealized == nil && marketPrice != nil {
			v := (*marketPrice - avgCost) * qty
			unrealized = &v
		}

		currency := firstString(product["currency"])
		if currency == "" {
			currency = "USD"
		}
		out = append(out, domain.Position{
			Symbol:        symbol,
			Qty:           qty,
			AvgCost:       avgCost,
			MarketPrice:   marketPrice,
			MarketValue:   marketValue,
			UnrealizedPnL: unrealized,
			Currency:      currency,
		})
	}
	return out, nil
}

// Balance reads real-time brokerage balances.
func (p *Provider) Balance(ctx context.Context) (*domain.Balance, error) {
	account, err := p.requireAccount(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := p.requestJSON(ctx, http.MethodGet, "/v1/accounts/"+account+"/balance",
		url.Values{"instType": {"BROKERAGE"}, "realTimeNAV": {"true"}}, nil, "balance", true)
	if err != nil {
		return nil, err
	}

	body, ok := payload["BalanceResponse"].(map[string]any)
	if !ok {
		body = payload
	}
	computed := obj(body, "Computed")
	realTime := obj(computed, "RealTimeValues")

	accountID := firstString(body["accountIdKey"])
	if accountID == "" {
		accountID = account
	}
	return &domain.Balance{
		AccountID:       accountID,
		NetLiquidation:  floatPtr(realTime["netMv"]),
		Cash:            floatPtr(computed["cashAvailableForInvestment"]),
		BuyingPower:     floatPtr(computed["cashBuyingPower"], computed["marginBuyingPower"], realTime["netMv"]),
		MarginUsed:      floatPtr(computed["marginBalance"]),
		MarginAvailable: floatPtr(computed["cashAvailableForInvestment"]),
	}, nil
}

// PnL sums unrealized P&L across positions. E*Trade exposes no realized
// figure through these endpoints, so Realized is zero.
func (p *Provider) PnL(ctx context.Context) (*domain.PnLSummary, error) {
	positions, err := p.Positions(ctx)
	if err != nil {
		return nil, err
	}
	var unrealized float64
	for _, pos := range positions {
		if pos.UnrealizedPnL != nil {
			unrealized += *pos.UnrealizedPnL
		}
	}
	return &domain.PnLSummary{Unrealized: unrealized, Total: unrealized}, nil
}
