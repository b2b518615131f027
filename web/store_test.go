// ABOUTME: Tests for the SQLite digest history store.
// ABOUTME: Exercises save/list/get round trips, ordering, and the not-found path.
package web

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tavily-ai/market-researcher/digest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "digests.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleOutput(overview string) *digest.Output {
	out := digest.NewOutput(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	out.Reports["AAPL"] = digest.StockReport{Ticker: "AAPL", CompanyName: "Apple", Recommendation: "Hold"}
	out.MarketOverview = overview
	return out
}

func TestStoreSaveAndGet(t *testing.T) {
	store := openTestStore(t)

	id, err := store.SaveDigest([]string{"AAPL", "MSFT"}, sampleOutput("## Overview"))
	if err != nil {
		t.Fatalf("SaveDigest: %v", err)
	}
	if id == "" {
		t.Fatal("empty digest id")
	}

	rec, err := store.GetDigest(id)
	if err != nil {
		t.Fatalf("GetDigest: %v", err)
	}
	if len(rec.Tickers) != 2 || rec.Tickers[0] != "AAPL" {
		t.Errorf("tickers = %v", rec.Tickers)
	}
	if len(rec.Payload) == 0 {
		t.Error("empty payload")
	}

	overview, err := store.GetOverview(id)
	if err != nil {
		t.Fatalf("GetOverview: %v", err)
	}
	if overview != "## Overview" {
		t.Errorf("overview = %q", overview)
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	store := openTestStore(t)

	first, err := store.SaveDigest([]string{"AAPL"}, sampleOutput("a"))
	if err != nil {
		t.Fatalf("SaveDigest: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := store.SaveDigest([]string{"MSFT"}, sampleOutput("b"))
	if err != nil {
		t.Fatalf("SaveDigest: %v", err)
	}

	list, err := store.ListDigests(10)
	if err != nil {
		t.Fatalf("ListDigests: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d rows", len(list))
	}
	if list[0].ID != second || list[1].ID != first {
		t.Errorf("order = [%s %s], want newest first", list[0].ID, list[1].ID)
	}

	limited, err := store.ListDigests(1)
	if err != nil {
		t.Fatalf("ListDigests limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != second {
		t.Errorf("limited = %+v", limited)
	}
}

func TestStoreGetNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetDigest("01NOSUCHDIGEST"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
