package energy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pmoreli/voz/internal/bus"
	"github.com/pmoreli/voz/internal/clock"
	"github.com/pmoreli/voz/internal/remote"
	"go.uber.org/zap"
)

type fakeRecords struct {
	mu      sync.Mutex
	acct    remote.Account
	fail    bool
	updates []map[string]any
}

func (f *fakeRecords) UpdateAccount(_ context.Context, _ string, fields map[string]any) (*remote.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("backend unavailable")
	}
	f.updates = append(f.updates, fields)
	if bars, ok := fields["energy_bars"].(int); ok {
		f.acct.EnergyBars = bars
	}
	if coins, ok := fields["coin_balance"].(int); ok {
		f.acct.CoinBalance = coins
	}
	cp := f.acct
	return &cp, nil
}

func (f *fakeRecords) RechargeWithCoins(_ context.Context, _ string) (*remote.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acct.CoinBalance < RechargeCost {
		return nil, remote.ErrInsufficientCoins
	}
	f.acct.EnergyBars = MaxBars
	f.acct.CoinBalance -= RechargeCost
	cp := f.acct
	return &cp, nil
}

func (f *fakeRecords) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// agedAccount returns an account outside the grace period.
func agedAccount(bars, coins int, premium bool) remote.Account {
	return remote.Account{
		ID: "acc-1", DisplayName: "Ana", EnergyBars: bars, CoinBalance: coins,
		IsPremium: premium, CreatedAt: testStart.Add(-30 * 24 * time.Hour),
	}
}

type meterFixture struct {
	meter   *Meter
	bus     *bus.Bus
	clk     *clock.Fake
	records *fakeRecords
	changed <-chan bus.Event
}

func newMeterFixture(t *testing.T, acct remote.Account) *meterFixture {
	t.Helper()
	b := bus.New()
	clk := clock.NewFake(testStart)
	records := &fakeRecords{acct: acct}
	m := NewMeter(records, b, clk, zap.NewNop())

	changed, unsub := b.Subscribe("energy.changed", 64)
	t.Cleanup(unsub)

	m.Start(context.Background())
	t.Cleanup(m.Stop)

	// Seed the account snapshot the way the guard does after login.
	seed := acct
	b.Publish(bus.Event{Kind: "account.updated", Payload: &seed})
	waitEvent(t, changed, "account seed")

	return &meterFixture{meter: m, bus: b, clk: clk, records: records, changed: changed}
}

func waitEvent(t *testing.T, ch <-chan bus.Event, what string) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", what)
		return bus.Event{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan bus.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

// startCall flips the consuming flag and waits for the meter to switch timers.
func (f *meterFixture) startCall(t *testing.T) {
	t.Helper()
	activity, unsub := f.bus.Subscribe("energy.activity", 10)
	defer unsub()
	f.bus.Publish(bus.Event{Kind: "call.connected"})
	waitEvent(t, activity, "consuming on")
}

func (f *meterFixture) endCall(t *testing.T) {
	t.Helper()
	activity, unsub := f.bus.Subscribe("energy.activity", 10)
	defer unsub()
	f.bus.Publish(bus.Event{Kind: "call.ended"})
	waitEvent(t, activity, "consuming off")
}

func TestRechargeTickIncrementsUpToMax(t *testing.T) {
	f := newMeterFixture(t, agedAccount(6, 0, false))

	f.clk.Advance(RechargeInterval)
	evt := waitEvent(t, f.changed, "recharge")
	if s := evt.Payload.(Status); s.Bars != 7 {
		t.Errorf("bars = %d, want 7", s.Bars)
	}

	// Already full: next tick must not write or publish.
	before := f.records.updateCount()
	f.clk.Advance(RechargeInterval)
	expectNoEvent(t, f.changed)
	if f.records.updateCount() != before {
		t.Error("recharge wrote past the ceiling")
	}
}

func TestDrainWhileInCall(t *testing.T) {
	f := newMeterFixture(t, agedAccount(3, 0, false))
	f.startCall(t)

	f.clk.Advance(DrainInterval)
	evt := waitEvent(t, f.changed, "drain")
	if s := evt.Payload.(Status); s.Bars != 2 || !s.Low {
		t.Errorf("status = %+v, want bars=2 low", s)
	}
}

func TestDrainToEmpty(t *testing.T) {
	// Account with one bar, not premium, not in grace: one drain tick empties it.
	f := newMeterFixture(t, agedAccount(1, 0, false))
	f.startCall(t)

	f.clk.Advance(DrainInterval)
	evt := waitEvent(t, f.changed, "drain")
	s := evt.Payload.(Status)
	if s.Bars != 0 || !s.Empty {
		t.Errorf("status = %+v, want bars=0 empty", s)
	}

	// Floor: no further decrement.
	before := f.records.updateCount()
	f.clk.Advance(DrainInterval)
	expectNoEvent(t, f.changed)
	if f.records.updateCount() != before {
		t.Error("drain wrote below zero")
	}
}

func TestPremiumNeverDrains(t *testing.T) {
	f := newMeterFixture(t, agedAccount(5, 0, true))
	f.startCall(t)

	f.clk.Advance(DrainInterval)
	expectNoEvent(t, f.changed)
	if f.records.updateCount() != 0 {
		t.Error("premium account was drained")
	}
}

func TestGracePeriodNeverDrains(t *testing.T) {
	acct := agedAccount(5, 0, false)
	acct.CreatedAt = testStart.Add(-24 * time.Hour) // one day old
	f := newMeterFixture(t, acct)
	f.startCall(t)

	f.clk.Advance(DrainInterval)
	expectNoEvent(t, f.changed)
	if f.records.updateCount() != 0 {
		t.Error("grace-period account was drained")
	}
}

func TestCallEndSwitchesBackToRecharge(t *testing.T) {
	f := newMeterFixture(t, agedAccount(3, 0, false))
	f.startCall(t)

	f.clk.Advance(DrainInterval)
	waitEvent(t, f.changed, "drain")

	f.endCall(t)
	f.clk.Advance(RechargeInterval)
	evt := waitEvent(t, f.changed, "recharge")
	if s := evt.Payload.(Status); s.Bars != 3 {
		t.Errorf("bars = %d, want 3 after drain then recharge", s.Bars)
	}
}

func TestDrainWriteFailureRetriesNextTick(t *testing.T) {
	f := newMeterFixture(t, agedAccount(3, 0, false))
	f.startCall(t)

	f.records.mu.Lock()
	f.records.fail = true
	f.records.mu.Unlock()

	f.clk.Advance(DrainInterval)
	expectNoEvent(t, f.changed)

	f.records.mu.Lock()
	f.records.fail = false
	f.records.mu.Unlock()

	f.clk.Advance(DrainInterval)
	evt := waitEvent(t, f.changed, "drain after recovery")
	if s := evt.Payload.(Status); s.Bars != 2 {
		t.Errorf("bars = %d, want 2", s.Bars)
	}
}

func TestRechargeWithCoins(t *testing.T) {
	f := newMeterFixture(t, agedAccount(1, 30, false))

	s, err := f.meter.RechargeWithCoins(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Bars != MaxBars || s.Coins != 20 {
		t.Errorf("status = %+v, want bars=7 coins=20", s)
	}
}

func TestRechargeWithCoinsInsufficient(t *testing.T) {
	f := newMeterFixture(t, agedAccount(1, 5, false))

	s, err := f.meter.RechargeWithCoins(context.Background())
	if !errors.Is(err, remote.ErrInsufficientCoins) {
		t.Fatalf("err = %v, want ErrInsufficientCoins", err)
	}
	// Nothing changed.
	if s.Bars != 1 || s.Coins != 5 {
		t.Errorf("status = %+v, want unchanged bars=1 coins=5", s)
	}
	if f.records.updateCount() != 0 {
		t.Error("rejected recharge still wrote fields")
	}
}

func TestRechargeWithCoinsNoAccount(t *testing.T) {
	b := bus.New()
	m := NewMeter(&fakeRecords{}, b, clock.NewFake(testStart), zap.NewNop())
	if _, err := m.RechargeWithCoins(context.Background()); !errors.Is(err, ErrNoAccount) {
		t.Errorf("err = %v, want ErrNoAccount", err)
	}
}
