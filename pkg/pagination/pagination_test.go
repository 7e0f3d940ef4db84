package pagination

import "testing"

func TestNormalizeLimit(t *testing.T) {
	if got := NormalizeLimit(0); got != DefaultLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultLimit, got)
	}
	if got := NormalizeLimit(-3); got != DefaultLimit {
		t.Fatalf("expected default limit for negatives, got %d", got)
	}
	if got := NormalizeLimit(MaxLimit + 50); got != MaxLimit {
		t.Fatalf("expected cap %d, got %d", MaxLimit, got)
	}
	if got := NormalizeLimit(10); got != 10 {
		t.Fatalf("expected passthrough 10, got %d", got)
	}
}

func TestOffset(t *testing.T) {
	tests := []struct {
		params Params
		offset int
	}{
		{Params{}, 0},
		{Params{Page: 1, Limit: 25}, 0},
		{Params{Page: 3, Limit: 10}, 20},
		{Params{Page: -2, Limit: 10}, 0},
		{Params{Page: 2, Limit: MaxLimit + 1}, MaxLimit},
	}
	for _, tt := range tests {
		if got := tt.params.Offset(); got != tt.offset {
			t.Fatalf("params %+v: expected offset %d got %d", tt.params, tt.offset, got)
		}
	}
}

func TestMetaFor(t *testing.T) {
	meta := MetaFor(Params{Page: 2, Limit: 10}, 42)
	if meta.Page != 2 || meta.Limit != 10 {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if meta.Total != 42 || meta.TotalPages != 5 {
		t.Fatalf("expected 5 pages over 42 rows, got %+v", meta)
	}

	empty := MetaFor(Params{}, 0)
	if empty.TotalPages != 1 {
		t.Fatalf("an empty listing still has one page, got %d", empty.TotalPages)
	}
}
