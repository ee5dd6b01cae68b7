package store

import (
	"testing"
	"time"
)

func TestSaveAndLoadEngineState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	state := EngineState{
		CumVolume:     1050.5,
		CumProfit:     3.2,
		MinProfitRate: 0.0008,
		TradeCount:    7,
		LastTradeTime: time.Now().Truncate(time.Second),
	}

	if err := s.Save("binance_okx_BTC", state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load("binance_okx_BTC")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil")
	}
	if loaded.CumVolume != state.CumVolume {
		t.Errorf("CumVolume = %v, want %v", loaded.CumVolume, state.CumVolume)
	}
	if loaded.TradeCount != state.TradeCount {
		t.Errorf("TradeCount = %v, want %v", loaded.TradeCount, state.TradeCount)
	}
	if !loaded.LastTradeTime.Equal(state.LastTradeTime) {
		t.Errorf("LastTradeTime = %v, want %v", loaded.LastTradeTime, state.LastTradeTime)
	}
}

func TestLoadEngineStateMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.Load("nonexistent")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing state, got %+v", loaded)
	}
}

func TestSaveEngineStateOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.Save("binance_okx_BTC", EngineState{TradeCount: 1})
	_ = s.Save("binance_okx_BTC", EngineState{TradeCount: 2})

	loaded, err := s.Load("binance_okx_BTC")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.TradeCount != 2 {
		t.Errorf("TradeCount = %v, want 2 (latest save)", loaded.TradeCount)
	}
}
