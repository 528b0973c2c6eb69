package news

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/po3"
)

// SettingKey is the runtime toggle stored in the settings table.
const SettingKey = "news_enabled"

// Settings is the runtime flag store.
type Settings interface {
	GetBool(ctx context.Context, key string, def bool) (bool, error)
	SetBool(ctx context.Context, key string, v bool) error
}

// Service filters the calendar per instrument and caches it per trading day.
type Service struct {
	client   *Client
	settings Settings
	def      bool
	impacts  map[string]bool
	loc      *time.Location
	now      func() time.Time
	logger   *logger.Logger

	mu     sync.Mutex
	day    string
	events []Event
}

func NewService(client *Client, settings Settings, enabled bool, impacts []string, loc *time.Location, log *logger.Logger) *Service {
	set := make(map[string]bool, len(impacts))
	for _, imp := range impacts {
		set[strings.ToLower(imp)] = true
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		client:   client,
		settings: settings,
		def:      enabled,
		impacts:  set,
		loc:      loc,
		now:      time.Now,
		logger:   log,
	}
}

// WithClock replaces the wall clock; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Enabled(ctx context.Context) bool {
	on, err := s.settings.GetBool(ctx, SettingKey, s.def)
	if err != nil {
		s.logger.Warn("read news setting", "error", err)
		return s.def
	}
	return on
}

func (s *Service) SetEnabled(ctx context.Context, on bool) error {
	return s.settings.SetBool(ctx, SettingKey, on)
}

// ForInstrument returns prompt lines for today's events touching the
// instrument's currencies. News is optional context: failures are logged and
// yield nil.
func (s *Service) ForInstrument(ctx context.Context, instrument string) []string {
	if !s.Enabled(ctx) {
		return nil
	}
	events, err := s.today(ctx)
	if err != nil {
		s.logger.Warn("economic calendar unavailable", "instrument", instrument, "error", err)
		return nil
	}

	currencies := Currencies(instrument)
	var lines []string
	for _, ev := range events {
		if !currencies[strings.ToUpper(ev.Country)] && !strings.EqualFold(ev.Country, "ALL") {
			continue
		}
		lines = append(lines, Format(ev, s.loc))
	}
	return lines
}

// Today returns today's impact-filtered events for every currency.
func (s *Service) Today(ctx context.Context) ([]Event, error) {
	return s.today(ctx)
}

func (s *Service) today(ctx context.Context) ([]Event, error) {
	day := po3.TradingDay(s.now(), s.loc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.day == day {
		return s.events, nil
	}

	week, err := s.client.FetchWeek(ctx)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, ev := range week {
		if po3.TradingDay(ev.Date, s.loc) != day {
			continue
		}
		if len(s.impacts) > 0 && !s.impacts[strings.ToLower(ev.Impact)] {
			continue
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Date.Before(events[j].Date) })

	s.day, s.events = day, events
	s.logger.Info("economic calendar cached", "day", day, "events", len(events))
	return events, nil
}

// Currencies splits a forex or metal symbol into its two currency codes,
// ignoring broker suffixes such as EURUSDm. Other symbols map to themselves.
func Currencies(instrument string) map[string]bool {
	inst := strings.ToUpper(strings.TrimSpace(instrument))
	if len(inst) >= 6 {
		return map[string]bool{inst[:3]: true, inst[3:6]: true}
	}
	return map[string]bool{inst: true}
}

func Format(ev Event, loc *time.Location) string {
	line := fmt.Sprintf("%s %s [%s] %s", ev.Date.In(loc).Format("15:04"), ev.Country, ev.Impact, ev.Title)
	if ev.Forecast != "" || ev.Previous != "" {
		line += fmt.Sprintf(" (forecast %s, previous %s)", orDash(ev.Forecast), orDash(ev.Previous))
	}
	return line
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
