package perf

import "testing"

func TestBinForClampsAndFloors(t *testing.T) {
	cases := map[uint64]int{
		0:    0,
		1:    0,
		2:    1,
		3:    1,
		4:    2,
		1023: 9,
		1024: 10,
	}
	for ns, want := range cases {
		if got := binFor(ns); got != want {
			t.Errorf("binFor(%d) = %d, want %d", ns, got, want)
		}
	}
}

func TestBinForClampsAtTop(t *testing.T) {
	if got := binFor(^uint64(0)); got != numBins-1 {
		t.Fatalf("expected top bin %d, got %d", numBins-1, got)
	}
}

func TestSlabRecordMinMaxSum(t *testing.T) {
	s := newSlab()
	s.Record(100)
	s.Record(50)
	s.Record(200)
	if s.Min.Load() != 50 {
		t.Errorf("min = %d, want 50", s.Min.Load())
	}
	if s.Max.Load() != 200 {
		t.Errorf("max = %d, want 200", s.Max.Load())
	}
	if s.Sum.Load() != 350 {
		t.Errorf("sum = %d, want 350", s.Sum.Load())
	}
	if s.Num.Load() != 3 {
		t.Errorf("num = %d, want 3", s.Num.Load())
	}
}

func TestTableSwapAndReduce(t *testing.T) {
	tbl := NewTable("my_hook", 2)
	tbl.ForThread(0).Record(10)
	tbl.ForThread(1).Record(1000)

	old := tbl.Swap()
	report := Reduce("my_hook", old)

	if report.Num != 2 {
		t.Fatalf("expected 2 samples reduced, got %d", report.Num)
	}
	if report.Min != 10 || report.Max != 1000 {
		t.Fatalf("unexpected min/max: %+v", report)
	}

	// the live table should now be a fresh, empty slab set
	if tbl.ForThread(0).Num.Load() != 0 {
		t.Fatal("expected fresh slab after swap to read as empty")
	}
}

func TestReduceEmptyHasZeroMin(t *testing.T) {
	r := Reduce("h", []*Slab{newSlab(), newSlab()})
	if r.Min != 0 || r.Num != 0 {
		t.Fatalf("expected zeroed report for no samples, got %+v", r)
	}
}
