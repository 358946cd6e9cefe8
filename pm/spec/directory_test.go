package spec_test

import (
	"math/rand"
	"testing"

	"github.com/eak1mov/go-tilehost/pm/spec"
	"github.com/google/go-cmp/cmp"
)

// genEntries builds a sorted, clustered directory with occasional gaps in the
// tile code sequence and occasional content sharing.
func genEntries(n int, seed int64) []spec.Entry {
	rng := rand.New(rand.NewSource(seed))

	entries := make([]spec.Entry, 0, n)
	tileCode := uint64(0)
	offset := uint64(0)
	for range n {
		tileCode += 1 + uint64(rng.Intn(5))
		length := uint32(1 + rng.Intn(2000))

		if len(entries) > 0 && rng.Intn(10) == 0 {
			// repeat a previous entry's content
			prev := entries[rng.Intn(len(entries))]
			entries = append(entries, spec.Entry{
				TileCode: tileCode, Offset: prev.Offset, Length: prev.Length, RunLength: 1,
			})
			continue
		}

		entries = append(entries, spec.Entry{
			TileCode: tileCode, Offset: offset, Length: length, RunLength: 1,
		})
		offset += uint64(length)
	}
	return entries
}

func TestDirectorySerializer(t *testing.T) {
	for _, tc := range []struct {
		Name string
		Size int
	}{
		{"Empty", 0},
		{"Single", 1},
		{"Small", 100},
		{"Medium", 10_000},
		{"Large", 100_000},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			t.Parallel()

			entries := genEntries(tc.Size, int64(tc.Size))
			deserialized, err := spec.DeserializeDirectory(spec.SerializeDirectory(entries))
			if err != nil {
				t.Fatalf("DeserializeDirectory failed: %v", err)
			}
			if tc.Size == 0 {
				if len(deserialized) != 0 {
					t.Errorf("deserialized %d entries from empty directory", len(deserialized))
				}
				return
			}
			if !cmp.Equal(entries, deserialized) {
				t.Error("DeserializeDirectory(SerializeDirectory(input)) != input")
			}
		})
	}
}

func TestDeserializeDirectoryErrors(t *testing.T) {
	if _, err := spec.DeserializeDirectory([]byte{}); err == nil {
		t.Error("DeserializeDirectory of empty data succeeded")
	}
	// claims 1000 entries, provides none
	if _, err := spec.DeserializeDirectory([]byte{0xE8, 0x07}); err == nil {
		t.Error("DeserializeDirectory of truncated data succeeded")
	}
}

func TestCompactEntries(t *testing.T) {
	entries := []spec.Entry{
		{TileCode: 10, Offset: 0, Length: 5, RunLength: 1},
		{TileCode: 11, Offset: 0, Length: 5, RunLength: 1}, // same content, adjacent code
		{TileCode: 12, Offset: 0, Length: 5, RunLength: 1},
		{TileCode: 14, Offset: 0, Length: 5, RunLength: 1}, // gap in codes, no merge
		{TileCode: 15, Offset: 5, Length: 3, RunLength: 1}, // different content
	}
	want := []spec.Entry{
		{TileCode: 10, Offset: 0, Length: 5, RunLength: 3},
		{TileCode: 14, Offset: 0, Length: 5, RunLength: 1},
		{TileCode: 15, Offset: 5, Length: 3, RunLength: 1},
	}
	got := spec.CompactEntries(entries)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CompactEntries mismatch (-want+got):\n%v", diff)
	}
}

func TestFindEntry(t *testing.T) {
	entries := []spec.Entry{
		{TileCode: 5, Offset: 0, Length: 10, RunLength: 3},  // covers 5,6,7
		{TileCode: 20, Offset: 10, Length: 4, RunLength: 1}, // covers 20
		{TileCode: 30, Offset: 100, Length: 50, RunLength: 0}, // leaf pointer
	}

	for _, tc := range []struct {
		Code      uint64
		WantFound bool
		WantCode  uint64
	}{
		{4, false, 0},
		{5, true, 5},
		{7, true, 5},
		{8, false, 0},
		{20, true, 20},
		{21, false, 0},
		{30, true, 30},  // leaf pointer
		{999, true, 30}, // beyond: leaf pointer still matches
	} {
		entry, found := spec.FindEntry(entries, tc.Code)
		if found != tc.WantFound {
			t.Errorf("FindEntry(%d) found = %v, want %v", tc.Code, found, tc.WantFound)
			continue
		}
		if found && entry.TileCode != tc.WantCode {
			t.Errorf("FindEntry(%d) matched entry %d, want %d", tc.Code, entry.TileCode, tc.WantCode)
		}
	}
}

func TestSerializeAllRootOnly(t *testing.T) {
	entries := genEntries(100, 1)
	rootBytes, leavesBytes := spec.SerializeAll(entries, spec.CompressionGzip)
	if len(leavesBytes) != 0 {
		t.Fatalf("small directory produced %d leaf bytes, want 0", len(leavesBytes))
	}

	rootData, err := spec.Decompress(rootBytes, spec.CompressionGzip)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	deserialized, err := spec.DeserializeDirectory(rootData)
	if err != nil {
		t.Fatalf("DeserializeDirectory failed: %v", err)
	}
	if !cmp.Equal(entries, deserialized) {
		t.Error("root-only directory round trip mismatch")
	}
}

func TestSerializeAllWithLeaves(t *testing.T) {
	entries := genEntries(200_000, 2)
	rootBytes, leavesBytes := spec.SerializeAll(entries, spec.CompressionGzip)

	if len(rootBytes) > spec.RootDirMaxLength {
		t.Fatalf("root directory is %d bytes, exceeds budget %d", len(rootBytes), spec.RootDirMaxLength)
	}
	if len(leavesBytes) == 0 {
		t.Fatal("large directory produced no leaves")
	}

	rootData, err := spec.Decompress(rootBytes, spec.CompressionGzip)
	if err != nil {
		t.Fatalf("Decompress root failed: %v", err)
	}
	rootEntries, err := spec.DeserializeDirectory(rootData)
	if err != nil {
		t.Fatalf("DeserializeDirectory root failed: %v", err)
	}

	var collected []spec.Entry
	for _, rootEntry := range rootEntries {
		if rootEntry.RunLength != 0 {
			t.Fatalf("root entry %d is not a leaf pointer", rootEntry.TileCode)
		}
		leafCompressed := leavesBytes[rootEntry.Offset : rootEntry.Offset+uint64(rootEntry.Length)]
		leafData, err := spec.Decompress(leafCompressed, spec.CompressionGzip)
		if err != nil {
			t.Fatalf("Decompress leaf failed: %v", err)
		}
		leafEntries, err := spec.DeserializeDirectory(leafData)
		if err != nil {
			t.Fatalf("DeserializeDirectory leaf failed: %v", err)
		}
		collected = append(collected, leafEntries...)
	}

	if !cmp.Equal(entries, collected) {
		t.Error("leaf directory round trip mismatch")
	}
}
