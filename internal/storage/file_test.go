package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "asyncq/pkg/logx"
)

func openTestFileStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "asyncq.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " off "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("driver %q: store=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestFileStoreOutcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestFileStore(t, t.TempDir())
	defer st.Close()

	for i, id := range []string{"a", "b", "c", "d"} {
		if err := st.AppendOutcome(ctx, OutcomeRecord{ItemID: id, Status: "resolved", Retries: i}); err != nil {
			t.Fatalf("AppendOutcome: %v", err)
		}
	}

	got, err := st.RecentOutcomes(ctx, 3)
	if err != nil {
		t.Fatalf("RecentOutcomes: %v", err)
	}
	if len(got) != 3 || got[0].ItemID != "d" || got[1].ItemID != "c" || got[2].ItemID != "b" {
		t.Fatalf("recent = %+v", got)
	}
	if got[0].At.IsZero() {
		t.Fatal("At not defaulted")
	}

	all, _ := st.RecentOutcomes(ctx, 10)
	if len(all) != 4 || all[3].ItemID != "a" {
		t.Fatalf("all = %+v", all)
	}
}

func TestFileStoreJobRunsSurviveReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	at := time.UnixMilli(time.Now().UnixMilli())

	st := openTestFileStore(t, dir)
	if err := st.PutJobRun(ctx, "backup", at.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.PutJobRun(ctx, "backup", at); err != nil {
		t.Fatal(err)
	}
	if err := st.PutJobRun(ctx, " ", at); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestFileStore(t, dir)
	defer st.Close()
	got, ok, err := st.GetJobRun(ctx, "backup")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("GetJobRun = %v, %v, %v", got, ok, err)
	}
	if _, ok, _ := st.GetJobRun(ctx, "missing"); ok {
		t.Fatal("missing job reported")
	}
}
