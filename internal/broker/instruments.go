package broker

import (
	"fmt"
	"strings"
	"sync"
)

var (
	tickerByUID sync.Map // instrument UID -> ticker
	uidByTicker sync.Map // ticker -> instrument UID
)

func (tc *TinkoffClient) tickerOf(uid string) (string, error) {
	if cached, ok := tickerByUID.Load(uid); ok {
		return cached.(string), nil
	}

	resp, err := tc.client.NewInstrumentsServiceClient().InstrumentByUid(uid)
	if err != nil {
		return "", fmt.Errorf("instrument by uid %s: %w", uid, err)
	}

	ticker := resp.GetInstrument().GetTicker()
	tickerByUID.Store(uid, ticker)
	return ticker, nil
}

// resolveTicker maps a configured symbol to its instrument UID, preferring an
// exact ticker match over the first search hit.
func (tc *TinkoffClient) resolveTicker(ticker string) (string, error) {
	ticker = strings.ToUpper(ticker)
	if cached, ok := uidByTicker.Load(ticker); ok {
		return cached.(string), nil
	}

	resp, err := tc.client.NewInstrumentsServiceClient().FindInstrument(ticker)
	if err != nil {
		return "", fmt.Errorf("find instrument %s: %w", ticker, err)
	}

	found := resp.GetInstruments()
	if len(found) == 0 {
		return "", fmt.Errorf("instrument not found: %s", ticker)
	}
	pick := found[0]
	for _, inst := range found {
		if strings.EqualFold(inst.GetTicker(), ticker) {
			pick = inst
			break
		}
	}

	uid := pick.GetUid()
	uidByTicker.Store(ticker, uid)
	tickerByUID.Store(uid, pick.GetTicker())
	return uid, nil
}
