package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "sitemon/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "sitemon.db"), BusyTimeout: time.Second}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: store=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
}

func TestAppendQueryPrune(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := []ResultEntry{
		{ExecutionID: "e1", MonitorID: "a", TestID: 1, SampleCount: 3, SumDurationMillis: 90, At: base},
		{ExecutionID: "e2", MonitorID: "b", TestID: 1, SampleCount: 1, ErrorCount: 1, At: base.Add(time.Hour)},
		{ExecutionID: "e3", MonitorID: "a", TestID: 2, SampleCount: 5, At: base.Add(2 * time.Hour)},
	}
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.AppendResults(ctx, entries); err != nil {
				t.Fatal(err)
			}

			got, err := st.QueryResults(ctx, Query{MonitorID: "a"})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].ExecutionID != "e1" || got[1].ExecutionID != "e3" {
				t.Fatalf("query a = %+v", got)
			}
			if got[0].SampleCount != 3 || got[0].SumDurationMillis != 90 || !got[0].At.Equal(base) {
				t.Fatalf("entry = %+v", got[0])
			}

			got, _ = st.QueryResults(ctx, Query{Limit: 1})
			if len(got) != 1 || got[0].ExecutionID != "e3" {
				t.Fatalf("query limit = %+v", got)
			}

			n, err := st.PruneBefore(ctx, base.Add(90*time.Minute))
			if err != nil {
				t.Fatal(err)
			}
			if n != 2 {
				t.Fatalf("pruned %d, want 2", n)
			}
			got, _ = st.QueryResults(ctx, Query{})
			if len(got) != 1 || got[0].ExecutionID != "e3" {
				t.Fatalf("after prune = %+v", got)
			}

			if err := st.AppendResults(ctx, entries[:1]); err != nil {
				t.Fatalf("append after prune: %v", err)
			}
			got, _ = st.QueryResults(ctx, Query{Since: base.Add(time.Minute)})
			if len(got) != 1 {
				t.Fatalf("since filter = %+v", got)
			}
		})
	}
}

func TestPrunerUsesRetention(t *testing.T) {
	t.Parallel()
	st := openDrivers(t)["file"]
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	_ = st.AppendResults(ctx, []ResultEntry{
		{MonitorID: "old", At: now.Add(-48 * time.Hour)},
		{MonitorID: "new", At: now.Add(-time.Hour)},
	})

	p, err := NewPruner(st, 24*time.Hour, "", logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return now }
	if n, err := p.PruneNow(ctx); err != nil || n != 1 {
		t.Fatalf("PruneNow = %d, %v", n, err)
	}

	if _, err := NewPruner(st, time.Hour, "not a schedule", logx.Nop()); err == nil {
		t.Fatal("bad schedule accepted")
	}
	if _, err := NewPruner(st, 0, "@daily", logx.Nop()); err == nil {
		t.Fatal("zero retention accepted")
	}

	p.Start()
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	p.Stop(stopCtx)
}
