package signal

import (
	"context"
	"fmt"

	"tradepipe/internal/domain"
)

// generateShadow runs the comparison strategy over ShadowPosition records.
// It never talks to the broker: exits close at the week's last close and
// entries open at the candidate price.
func (g *Generator) generateShadow(ctx context.Context, tradeDate string, ranked []domain.Candidate, opts Options) (*domain.Signal, error) {
	name := g.shadow.Name()
	positions, err := g.store.OpenShadowPositions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading shadow positions: %w", err)
	}

	holdings := make([]holding, 0, len(positions))
	for _, p := range positions {
		holdings = append(holdings, holding{
			id: p.ID, ticker: p.Ticker, entryDate: p.EntryDate,
			shares: p.Shares, entryPrice: p.EntryPrice, score: p.Score,
		})
	}

	pl := g.plan(ctx, tradeDate, g.shadow, holdings, len(holdings), ranked, weakestByScore)
	sig := pl.signal(tradeDate, name, g.live.MaxPositions)
	if opts.DryRun {
		return sig, nil
	}

	entryPrices := make(map[int64]float64, len(holdings))
	for _, h := range holdings {
		entryPrices[h.id] = h.entryPrice
	}
	for _, ex := range sig.Exits {
		exitPrice := entryPrices[ex.PositionID]
		if ex.LastClose != nil {
			exitPrice = *ex.LastClose
		}
		if err := g.store.CloseShadowPosition(ctx, ex.PositionID, tradeDate, exitPrice, ex.Reason); err != nil {
			return nil, fmt.Errorf("closing shadow %s: %w", ex.Ticker, err)
		}
	}
	for _, en := range sig.Entries {
		sp := &domain.ShadowPosition{
			Strategy:    name,
			Ticker:      en.Ticker,
			EntryDate:   tradeDate,
			EntryPrice:  en.Price,
			Shares:      en.Qty,
			Invested:    en.Price * float64(en.Qty),
			Score:       en.Score,
			Grade:       en.Grade,
			GradeSource: en.GradeSource,
			ReportDate:  en.ReportDate,
			CompanyName: en.CompanyName,
			GapSize:     en.GapSize,
		}
		if en.StopPrice > 0 {
			stop := en.StopPrice
			sp.StopPrice = &stop
		}
		if _, err := g.store.AddShadowPosition(ctx, sp); err != nil {
			return nil, fmt.Errorf("adding shadow %s: %w", en.Ticker, err)
		}
	}
	return sig, nil
}

// weakestByScore picks the lowest-scored shadow holding. Without live
// quotes the score is the only available measure of weakness.
func weakestByScore(hs []holding) *holding {
	var worst *holding
	for i := range hs {
		h := &hs[i]
		if worst == nil || h.score < worst.score {
			worst = h
		}
	}
	return worst
}
