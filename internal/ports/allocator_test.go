package ports

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
)

func alwaysFree(string, int) bool { return true }

func TestLeaseScansFromLowEnd(t *testing.T) {
	alloc, err := NewAllocator("127.0.0.1", 7000, 7003, WithProbe(alwaysFree))
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	for i, want := range []int{7000, 7001, 7002} {
		port, err := alloc.Lease("team-" + strconv.Itoa(i))
		if err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		if port != want {
			t.Fatalf("expected port %d got %d", want, port)
		}
	}
	if _, err := alloc.Lease("team-x"); !errors.Is(err, ErrPortExhaustion) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestReleaseAllowsReuseByAnotherOwner(t *testing.T) {
	alloc, err := NewAllocator("127.0.0.1", 7000, 7002, WithProbe(alwaysFree))
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	port, err := alloc.Lease("a:workspace")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	alloc.Release(port)
	again, err := alloc.Lease("b:workspace")
	if err != nil {
		t.Fatalf("lease after release: %v", err)
	}
	if again != port {
		t.Fatalf("expected port %d to be reused, got %d", port, again)
	}
	if leases := alloc.Leases(); len(leases) != 1 || leases[0].Owner != "b:workspace" {
		t.Fatalf("unexpected leases %+v", leases)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	alloc, err := NewAllocator("127.0.0.1", 7000, 7010, WithProbe(alwaysFree))
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	port, _ := alloc.Lease("a")
	alloc.Release(port)
	alloc.Release(port)
	alloc.Release(9999)
	if stats := alloc.Stats(); stats.Leased != 0 || stats.Free != 10 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestLeaseSkipsPortsFailingProbe(t *testing.T) {
	busy := map[int]bool{7000: true, 7001: true}
	alloc, err := NewAllocator("127.0.0.1", 7000, 7005, WithProbe(func(_ string, port int) bool {
		return !busy[port]
	}))
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	port, err := alloc.Lease("a")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if port != 7002 {
		t.Fatalf("expected 7002 got %d", port)
	}
}

func TestBindProbeDetectsListeningPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	alloc, err := NewAllocator("127.0.0.1", port, port+1)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	if _, err := alloc.Lease("a"); !errors.Is(err, ErrPortExhaustion) {
		t.Fatalf("expected bound port to be skipped, got %v", err)
	}
}

func TestReleaseOwner(t *testing.T) {
	alloc, err := NewAllocator("127.0.0.1", 7000, 7010, WithProbe(alwaysFree))
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	_, _ = alloc.Lease("a")
	_, _ = alloc.Lease("b")
	_, _ = alloc.Lease("a")
	if n := alloc.ReleaseOwner("a"); n != 2 {
		t.Fatalf("expected 2 released got %d", n)
	}
	leases := alloc.Leases()
	if len(leases) != 1 || leases[0].Owner != "b" || leases[0].Port != 7001 {
		t.Fatalf("unexpected leases %+v", leases)
	}
}

func TestConcurrentLeasesAreUnique(t *testing.T) {
	alloc, err := NewAllocator("127.0.0.1", 7000, 7100, WithProbe(alwaysFree))
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int]bool{}
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := alloc.Lease(strconv.Itoa(i))
			if err != nil {
				t.Errorf("lease: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[port] {
				t.Errorf("port %d leased twice", port)
			}
			seen[port] = true
		}(i)
	}
	wg.Wait()
	if stats := alloc.Stats(); stats.Leased != 50 || stats.Total != 100 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestNewAllocatorRejectsBadRange(t *testing.T) {
	for _, r := range [][2]int{{0, 10}, {8000, 7000}, {7000, 7000}, {1, 70000}} {
		if _, err := NewAllocator("127.0.0.1", r[0], r[1]); err == nil {
			t.Fatalf("expected error for range %v", r)
		}
	}
}
