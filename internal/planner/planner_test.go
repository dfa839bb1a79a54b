package planner

import "testing"

func TestPlan_EightConnections100MB(t *testing.T) {
	total := int64(100 * 1024 * 1024)
	chunks := Plan("d1", total, 8, true)
	if len(chunks) != 8 {
		t.Fatalf("expected 8 chunks, got %d", len(chunks))
	}

	var sum int64
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		sum += c.Size()
	}
	if sum != total {
		t.Errorf("expected chunks to cover %d bytes, got %d", total, sum)
	}

	for i := 0; i < len(chunks)-1; i++ {
		if chunks[i].End+1 != chunks[i+1].Start {
			t.Errorf("gap/overlap between chunk %d and %d", i, i+1)
		}
	}
	if chunks[0].Start != 0 {
		t.Errorf("expected first chunk to start at 0, got %d", chunks[0].Start)
	}
	if chunks[len(chunks)-1].End != total-1 {
		t.Errorf("expected last chunk to end at %d, got %d", total-1, chunks[len(chunks)-1].End)
	}
}

func TestPlan_NonResumableSingleChunk(t *testing.T) {
	chunks := Plan("d2", 500, 8, false)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for non-resumable, got %d", len(chunks))
	}
	if chunks[0].Start != 0 || chunks[0].End != 499 {
		t.Errorf("expected single chunk spanning whole file, got %+v", chunks[0])
	}
}

func TestPlan_UnknownSizeSingleChunk(t *testing.T) {
	chunks := Plan("d3", -1, 8, true)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for unknown size, got %d", len(chunks))
	}
	if chunks[0].End != -1 {
		t.Errorf("expected open-ended chunk, got end=%d", chunks[0].End)
	}
}

func TestPlan_CapsAtMinChunkSize(t *testing.T) {
	// 1 MiB total with MinChunkSize=256 KiB caps k at 4, even if 16 desired.
	total := int64(1024 * 1024)
	chunks := Plan("d4", total, 16, true)
	if len(chunks) != 4 {
		t.Fatalf("expected chunk count capped at 4, got %d", len(chunks))
	}
}

func TestPlan_SmallFileSingleChunk(t *testing.T) {
	chunks := Plan("d5", 100, 8, true)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for a file smaller than MinChunkSize, got %d", len(chunks))
	}
	if chunks[0].Size() != 100 {
		t.Errorf("expected chunk to cover all 100 bytes, got %d", chunks[0].Size())
	}
}

func TestPlan_RemainderAbsorbedByLastChunk(t *testing.T) {
	// 1000 KiB / 3 desired chunks doesn't divide evenly.
	chunks := Plan("d6", 1000*1024, 3, true)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	var sum int64
	for _, c := range chunks {
		sum += c.Size()
	}
	if sum != 1000*1024 {
		t.Errorf("expected chunks to sum to total, got %d", sum)
	}
	// Every chunk but the last should be exactly equal in size.
	for i := 0; i < len(chunks)-1; i++ {
		if chunks[i].Size() != chunks[0].Size() {
			t.Errorf("expected equal-sized chunks except the last, chunk %d size=%d base=%d", i, chunks[i].Size(), chunks[0].Size())
		}
	}
}
