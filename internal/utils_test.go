package internal

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestClaimSet(t *testing.T) {
	s := NewClaimSet()
	if !s.Claim("a") {
		t.Fatal("first claim should succeed")
	}
	if s.Claim("a") {
		t.Error("second claim of a held id should fail")
	}
	s.Claim("b")
	if n := s.Len(); n != 2 {
		t.Errorf("Len() = %d, expected 2", n)
	}
	s.Release("a")
	if n := s.Len(); n != 1 {
		t.Errorf("Len() after release = %d, expected 1", n)
	}
	if !s.Claim("a") {
		t.Error("claim after release should succeed")
	}
}

func TestClaimSet_Concurrent(t *testing.T) {
	s := NewClaimSet()
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Claim("same") {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if won.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", won.Load())
	}
}
