package bufpool

import "testing"

func TestForSharesPools(t *testing.T) {
	a := For(2048)
	b := For(2048)
	if a != b {
		t.Fatalf("expected same pool for identical sizes")
	}
	if c := For(4096); c == a {
		t.Fatalf("expected distinct pool for a different size")
	}
}

func TestGetPut(t *testing.T) {
	p := New(1024)
	buf := p.Get()
	if len(buf) != 1024 {
		t.Fatalf("expected buffer size 1024, got %d", len(buf))
	}
	p.Put(buf[:10])
	again := p.Get()
	if len(again) != 1024 {
		t.Fatalf("expected resliced buffer of 1024, got %d", len(again))
	}
	p.Put(make([]byte, 8))
	if got := p.Get(); len(got) != 1024 {
		t.Fatalf("undersized buffer leaked from pool: %d", len(got))
	}
	if p.BufSize() != 1024 {
		t.Fatalf("BufSize = %d", p.BufSize())
	}
}

func TestNewPanicsOnInvalidSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for zero size")
		}
	}()
	New(0)
}
