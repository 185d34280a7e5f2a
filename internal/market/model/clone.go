package model

// Clone returns a deep copy of the instrument. The store hands out copies so
// callers can never alias its committed state.
func (i *Instrument) Clone() *Instrument {
	cp := *i
	if i.Correlations != nil {
		cp.Correlations = make([]CorrelationEdge, len(i.Correlations))
		copy(cp.Correlations, i.Correlations)
	}
	if i.Constituents != nil {
		cp.Constituents = make([]string, len(i.Constituents))
		copy(cp.Constituents, i.Constituents)
	}
	return &cp
}

// Clone returns a deep copy of the account, including position maps.
func (a *Account) Clone() *Account {
	cp := *a
	cp.Longs = make(map[string]*LongPosition, len(a.Longs))
	for ticker, pos := range a.Longs {
		p := *pos
		cp.Longs[ticker] = &p
	}
	cp.Shorts = make(map[string]*ShortPosition, len(a.Shorts))
	for ticker, pos := range a.Shorts {
		p := *pos
		cp.Shorts[ticker] = &p
	}
	return &cp
}

// Clone returns a copy of the standing order.
func (o *StandingOrder) Clone() *StandingOrder {
	cp := *o
	return &cp
}
