package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/database"
	"github.com/TheSnowHatHero/GrappleHook/migrations"
)

func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "journal.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestCreateAndList(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []Record{
		{Kind: device.EventDiscovered, Domain: "can0", Identity: device.Normal(1), Model: "LaserCAN", Class: "LaserCAN", OccurredAt: base},
		{Kind: device.EventDisplaced, Domain: "can0", Identity: device.Normal(1), OccurredAt: base.Add(time.Second)},
		{Kind: device.EventDiscovered, Domain: "can0", Identity: device.Recovery(1), Class: device.ClassFirmwareUpgrade, OccurredAt: base.Add(time.Second)},
		{Kind: device.EventEvicted, Domain: "can1", Identity: device.Normal(9), OccurredAt: base.Add(5 * time.Second)},
	}
	for i := range recs {
		if err := repo.Create(ctx, &recs[i]); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if recs[i].ID == "" {
			t.Fatal("Create() did not assign an ID")
		}
	}

	all, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if all.Total != 4 || len(all.Events) != 4 {
		t.Fatalf("List() total=%d len=%d, want 4/4", all.Total, len(all.Events))
	}
	if all.Events[0].Kind != device.EventEvicted {
		t.Errorf("newest event = %s, want evicted", all.Events[0].Kind)
	}
	// Same timestamp: later insert first.
	if all.Events[1].Identity != device.Recovery(1) {
		t.Errorf("events[1].Identity = %v, want recovery:1", all.Events[1].Identity)
	}
	last := all.Events[3]
	if last.Model != "LaserCAN" || !last.OccurredAt.Equal(base) || last.Domain != "can0" {
		t.Errorf("oldest event = %+v", last)
	}
	if all.Limit != defaultListLimit {
		t.Errorf("Limit = %d, want %d", all.Limit, defaultListLimit)
	}

	serial := uint32(1)
	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"by domain", Filter{Domain: "can1"}, 1},
		{"by kind", Filter{Kind: device.EventDiscovered}, 2},
		{"by serial", Filter{Serial: &serial}, 3},
		{"combined", Filter{Domain: "can0", Kind: device.EventDisplaced}, 1},
		{"no match", Filter{Domain: "can7"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.want || len(res.Events) != tt.want {
				t.Errorf("List() total=%d len=%d, want %d", res.Total, len(res.Events), tt.want)
			}
		})
	}
}

func TestListPagination(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := range 5 {
		rec := Record{Kind: device.EventDiscovered, Domain: "can0", Identity: device.Normal(uint32(i)), OccurredAt: base.Add(time.Duration(i) * time.Minute)}
		if err := repo.Create(ctx, &rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	page, err := repo.List(ctx, Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 5 || len(page.Events) != 2 {
		t.Fatalf("page total=%d len=%d, want 5/2", page.Total, len(page.Events))
	}
	if page.Events[0].Identity.Serial != 2 {
		t.Errorf("page[0] serial = %d, want 2", page.Events[0].Identity.Serial)
	}

	clamped, err := repo.List(ctx, Filter{Limit: 1000, Offset: -3})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if clamped.Limit != maxListLimit || clamped.Offset != 0 {
		t.Errorf("clamped limit=%d offset=%d", clamped.Limit, clamped.Offset)
	}
}

func TestDeleteBefore(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := range 3 {
		rec := Record{Kind: device.EventEvicted, Domain: "can0", Identity: device.Normal(7), OccurredAt: base.Add(time.Duration(i) * time.Hour)}
		if err := repo.Create(ctx, &rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	n, err := repo.DeleteBefore(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("DeleteBefore() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteBefore() = %d, want 2", n)
	}

	res, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 1 {
		t.Errorf("remaining = %d, want 1", res.Total)
	}
}
