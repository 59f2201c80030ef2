package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "wagate/pkg/logx"
)

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "ledger.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 3; i++ {
		err := st.AppendJob(ctx, JobRecord{
			At:        now.Add(time.Duration(i) * time.Minute),
			JobID:     []string{"job-a", "job-b", "job-c"}[i],
			Total:     10,
			Delivered: 9,
			Failed:    1,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := st.AppendSession(ctx, SessionEvent{Event: "connected"}); err != nil {
		t.Fatal(err)
	}

	got, err := st.RecentJobs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].JobID != "job-c" || got[1].JobID != "job-b" {
		t.Fatalf("recent jobs wrong order or count: %+v", got)
	}
}

func TestFileStorePrune(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "ledger.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	if err := st.AppendJob(ctx, JobRecord{At: old, JobID: "job-old"}); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendJob(ctx, JobRecord{At: fresh, JobID: "job-new"}); err != nil {
		t.Fatal(err)
	}

	if err := st.Prune(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	got, err := st.RecentJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].JobID != "job-new" {
		t.Fatalf("prune kept wrong records: %+v", got)
	}

	// The append handle must survive a prune.
	if err := st.AppendJob(ctx, JobRecord{At: time.Now(), JobID: "job-after"}); err != nil {
		t.Fatalf("append after prune: %v", err)
	}
	got, err = st.RecentJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].JobID != "job-after" {
		t.Fatalf("append after prune not visible: %+v", got)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", "  none "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: st=%v err=%v, want nil,nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}
