package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mediarack/rack/internal/config"
	"github.com/mediarack/rack/internal/rack/catalog"
	"github.com/mediarack/rack/internal/rack/engine"
	"github.com/mediarack/rack/internal/rack/localdb"
	"github.com/mediarack/rack/internal/rack/remote"
)

// seedSynced uploads an entry and records it locally as synced.
func seedSynced(t *testing.T, cfg *config.Config, comment string) *catalog.MediaEntry {
	t.Helper()
	ctx := context.Background()

	driver, dsn := remote.DriverFor(cfg.RemoteURL)
	store, err := remote.Open(driver, dsn)
	if err != nil {
		t.Fatalf("remote.Open() failed: %v", err)
	}
	defer store.Close()
	if err := store.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	entry := &catalog.MediaEntry{
		Classification: catalog.ClassMovie,
		Timestamp:      time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC),
		Comment:        comment,
	}
	id, err := store.Push(ctx, entry)
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}

	local, err := openLocal(cfg)
	if err != nil {
		t.Fatalf("openLocal() failed: %v", err)
	}
	defer local.Close()
	entry.RemoteID = id
	if err := local.Insert(ctx, entry); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := local.Acknowledge(ctx, entry, id); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}
	return entry
}

func TestLookupEntry(t *testing.T) {
	cfg := testRackConfig(t)
	seeded := seedSynced(t, cfg, "late night")

	tests := []struct {
		name      string
		ref       string
		wantWhere string
		wantErr   error
	}{
		{name: "local id", ref: "1", wantWhere: "local"},
		{name: "remote id", ref: seeded.RemoteID, wantWhere: "remote"},
		{name: "unknown local id", ref: "42", wantErr: localdb.ErrNotFound},
		{name: "unknown remote id", ref: "no-such-id", wantErr: remote.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, where, err := lookupEntry(context.Background(), cfg, tt.ref)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("lookupEntry(%q) error = %v, want %v", tt.ref, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("lookupEntry(%q) failed: %v", tt.ref, err)
			}
			if where != tt.wantWhere {
				t.Errorf("lookupEntry(%q) answered from %s, want %s", tt.ref, where, tt.wantWhere)
			}
			if got.Comment != "late night" {
				t.Errorf("lookupEntry(%q) = %+v, want the seeded entry", tt.ref, got)
			}
		})
	}
}

func syncOnce(t *testing.T, cfg *config.Config) *engine.PassResult {
	t.Helper()
	res, err := runPass(context.Background(), cfg, &engine.Config{
		RemoteTimeout: cfg.RemoteTimeout,
		Logger:        slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("runPass() failed: %v", err)
	}
	return res
}

func TestRemoveEntries_DeletionReachesRemote(t *testing.T) {
	cfg := testRackConfig(t)
	seeded := seedSynced(t, cfg, "to remove")
	syncOnce(t, cfg)

	err := withLocal(cfg, func(ctx context.Context, local *localdb.DB) error {
		removed, err := removeEntries(ctx, local, []string{"1"})
		if len(removed) != 1 || removed[0].RemoteID != seeded.RemoteID {
			t.Errorf("removeEntries() removed %+v, want the seeded entry", removed)
		}
		return err
	})
	if err != nil {
		t.Fatalf("removeEntries() failed: %v", err)
	}

	if res := syncOnce(t, cfg); res.Pushed != 1 {
		t.Errorf("pass pushed %d, want the deletion", res.Pushed)
	}

	if _, _, err := lookupEntry(context.Background(), cfg, seeded.RemoteID); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("remote lookup after sync error = %v, want not found", err)
	}
	if _, _, err := lookupEntry(context.Background(), cfg, "1"); !errors.Is(err, localdb.ErrNotFound) {
		t.Errorf("local lookup after sync error = %v, want not found", err)
	}
}

func TestRemoveEntries_InvalidIDs(t *testing.T) {
	cfg := testRackConfig(t)
	seedSynced(t, cfg, "kept")

	tests := []struct {
		name string
		args []string
	}{
		{name: "not a number", args: []string{"abc"}},
		{name: "zero", args: []string{"0"}},
		{name: "bad id after a good one", args: []string{"1", "-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := withLocal(cfg, func(ctx context.Context, local *localdb.DB) error {
				_, err := removeEntries(ctx, local, tt.args)
				return err
			})
			if err == nil {
				t.Fatalf("removeEntries(%v) succeeded", tt.args)
			}
		})
	}

	// Nothing was marked while the arguments were rejected.
	entry, _, err := lookupEntry(context.Background(), cfg, "1")
	if err != nil {
		t.Fatalf("lookupEntry() failed: %v", err)
	}
	if entry.Status != catalog.StatusSynced {
		t.Errorf("status = %s, want %s", entry.Status, catalog.StatusSynced)
	}
}
