package concurrency

import (
	"sync"
	"testing"
)

func TestLFStack_BasicLIFO(t *testing.T) {
	s := NewLFStack[int]()
	if _, ok := s.Pop(); ok {
		t.Fatal("expected empty")
	}
	s.Push(1)
	s.Push(2)
	s.Push(3)
	if v, ok := s.Pop(); !ok || v != 3 {
		t.Fatalf("got %v %v, want 3", v, ok)
	}
	if v, ok := s.Pop(); !ok || v != 2 {
		t.Fatalf("got %v %v, want 2", v, ok)
	}
	if v, ok := s.Pop(); !ok || v != 1 {
		t.Fatalf("got %v %v, want 1", v, ok)
	}
	if _, ok := s.Pop(); ok {
		t.Fatal("expected empty after draining")
	}
}

func TestLFStack_Len(t *testing.T) {
	s := NewLFStack[int]()
	if s.Len() != 0 {
		t.Fatalf("want 0, got %d", s.Len())
	}
	s.Push(10)
	s.Push(20)
	if s.Len() != 2 {
		t.Fatalf("want 2, got %d", s.Len())
	}
	s.Pop()
	if s.Len() != 1 {
		t.Fatalf("want 1, got %d", s.Len())
	}
	s.Pop()
	if s.Len() != 0 {
		t.Fatalf("want 0, got %d", s.Len())
	}
}

func TestLFStack_Concurrent(t *testing.T) {
	s := NewLFStack[int]()
	pushers := 4
	perPusher := 2000

	var wg sync.WaitGroup
	wg.Add(pushers)
	for p := 0; p < pushers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perPusher; i++ {
				s.Push(i)
			}
		}()
	}
	wg.Wait()

	if got, want := s.Len(), int64(pushers*perPusher); got != want {
		t.Fatalf("len after push: got %d, want %d", got, want)
	}

	popped := 0
	for {
		if _, ok := s.Pop(); !ok {
			break
		}
		popped++
	}
	if popped != pushers*perPusher {
		t.Fatalf("popped %d, want %d", popped, pushers*perPusher)
	}
	if s.Len() != 0 {
		t.Fatalf("want 0 after drain, got %d", s.Len())
	}
}
