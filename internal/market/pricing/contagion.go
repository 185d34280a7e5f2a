package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/marketsim/internal/market/model"
	"github.com/quantfold/marketsim/internal/store"
)

var one = decimal.NewFromInt(1)

// Propagator cascades a price change through the static correlation graph.
// The graph is arbitrary data and may contain cycles and diamonds, so the
// traversal is an explicit worklist with a shared visited set and a depth
// cap: termination is structural, and no instrument is shocked twice in one
// cascade.
type Propagator struct {
	cfg    Config
	logger *zap.Logger
}

func newPropagator(cfg Config, logger *zap.Logger) *Propagator {
	return &Propagator{cfg: cfg, logger: logger}
}

type hop struct {
	ticker   string
	oldPrice decimal.Decimal
	newPrice decimal.Decimal
	depth    int
}

// Propagate applies the source's move to every correlated instrument
// reachable within the depth bound. The source must already carry its new
// price; it is marked visited up front so a cycle cannot re-shock it. Later
// hops read prices mutated earlier in the same cascade, so a diamond-shaped
// graph sees one consistent snapshot. Returned instruments carry their new
// prices, in shock order; the caller commits them as one batch.
func (p *Propagator) Propagate(tx store.Tx, source *model.Instrument, oldPrice, newPrice decimal.Decimal, now time.Time) ([]*model.Instrument, error) {
	visited := map[string]bool{source.Ticker: true}
	overlay := map[string]*model.Instrument{source.Ticker: source}
	var shocked []*model.Instrument

	work := []hop{{ticker: source.Ticker, oldPrice: oldPrice, newPrice: newPrice, depth: 0}}
	for len(work) > 0 {
		h := work[0]
		work = work[1:]
		if h.depth >= p.cfg.MaxDepth {
			// expected termination, not an error
			continue
		}
		if h.oldPrice.IsZero() {
			continue
		}
		pctChange := h.newPrice.Sub(h.oldPrice).Div(h.oldPrice)

		inst := overlay[h.ticker]
		if inst == nil {
			var err error
			if inst, err = tx.Instrument(h.ticker); err != nil {
				return nil, fmt.Errorf("cascade source %s: %w", h.ticker, err)
			}
		}

		for _, edge := range inst.Correlations {
			if visited[edge.Target] {
				continue
			}
			visited[edge.Target] = true

			target, ok := overlay[edge.Target]
			if !ok {
				var err error
				if target, err = tx.Instrument(edge.Target); err != nil {
					return nil, fmt.Errorf("cascade target %s: %w", edge.Target, err)
				}
			}
			targetOld := target.Price
			targetNew := target.Round(targetOld.Mul(one.Add(pctChange.Mul(edge.Coefficient))))
			if targetNew.LessThan(p.cfg.MinPrice) {
				targetNew = p.cfg.MinPrice
			}
			if targetNew.Equal(targetOld) {
				continue
			}
			target.Price = targetNew
			target.UpdatedAt = now
			overlay[edge.Target] = target
			shocked = append(shocked, target)

			work = append(work, hop{ticker: edge.Target, oldPrice: targetOld, newPrice: targetNew, depth: h.depth + 1})

			p.logger.Debug("contagion hop",
				zap.String("source", h.ticker),
				zap.String("target", edge.Target),
				zap.Int("depth", h.depth+1),
				zap.String("old_price", targetOld.String()),
				zap.String("new_price", targetNew.String()))
		}
	}
	return shocked, nil
}
