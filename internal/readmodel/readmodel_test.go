package readmodel

import (
	"testing"
	"time"
)

func TestNormalizeClusterFilter(t *testing.T) {
	t.Parallel()

	got := NormalizeClusterFilter(ClusterFilter{Type: " Final ", EFKey: " ABC ", PageSize: 10_000})
	if got.Type != "final" || got.EFKey != "abc" {
		t.Fatalf("unexpected normalization: %+v", got)
	}
	if got.Page != 1 || got.PageSize != MaxPageSize {
		t.Fatalf("unexpected paging: page=%d size=%d", got.Page, got.PageSize)
	}
	if d := NormalizeClusterFilter(ClusterFilter{}); d.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size, got %d", d.PageSize)
	}
}

func TestScanClusterDecodesJSONColumns(t *testing.T) {
	t.Parallel()

	updated := time.Date(2026, 10, 2, 9, 0, 0, 0, time.UTC)
	scan := func(dest ...any) error {
		*dest[0].(*int64) = 7
		*dest[1].(*string) = "0b6f1c1e-2f44-4c2c-9a52-3f3d1f0b9e01"
		*dest[2].(*string) = "final"
		*dest[3].(*int) = 4
		*dest[4].(*float64) = 0.91
		*dest[5].(*string) = `["steel","tariff"]`
		*dest[8].(*string) = `["china","united states"]`
		*dest[13].(*time.Time) = updated
		return nil
	}

	row, err := scanCluster(scan)
	if err != nil {
		t.Fatalf("scanCluster returned error: %v", err)
	}
	if row.ClusterID != 7 || row.Size != 4 || row.Type != "final" {
		t.Fatalf("unexpected scalar fields: %+v", row)
	}
	if len(row.Anchors) != 2 || row.Anchors[1] != "tariff" {
		t.Fatalf("unexpected anchors: %v", row.Anchors)
	}
	if len(row.Actors) != 2 || row.Actors[0] != "china" {
		t.Fatalf("unexpected actors: %v", row.Actors)
	}
	if row.Theater != nil || row.EFKey != nil || row.MacroClusterUUID != nil {
		t.Fatalf("expected nil optional fields: %+v", row)
	}
	if !row.UpdatedAt.Equal(updated) {
		t.Fatalf("unexpected updated_at: %s", row.UpdatedAt)
	}
}

func TestScanClusterRejectsMalformedAnchors(t *testing.T) {
	t.Parallel()

	scan := func(dest ...any) error {
		*dest[5].(*string) = `{not json`
		*dest[8].(*string) = `[]`
		return nil
	}
	if _, err := scanCluster(scan); err == nil {
		t.Fatalf("expected decode error for malformed anchors")
	}
}
