package mem

import (
	"testing"
)

func TestBucketSliceStableAddresses(t *testing.T) {
	var s BucketSlice[int]
	var ptrs []*int
	for i := 0; i < bucketSize*3+5; i++ {
		ptrs = append(ptrs, s.Append(i))
	}
	if s.Len() != bucketSize*3+5 {
		t.Fatalf("Len = %d", s.Len())
	}
	for i, p := range ptrs {
		if *p != i {
			t.Fatalf("element %d moved or changed: %d", i, *p)
		}
		if p != s.Ptr(i) {
			t.Fatalf("Ptr(%d) doesn't match the pointer returned by Append", i)
		}
	}
}

func TestBucketSliceReset(t *testing.T) {
	var s BucketSlice[int]
	for i := 0; i < 100; i++ {
		s.Append(i)
	}
	s.Reset()
	if s.Len() != 0 {
		t.Fatalf("Len after Reset = %d", s.Len())
	}
	p := s.Grow()
	if *p != 0 {
		t.Fatalf("element after Reset not zeroed: %d", *p)
	}
}

func TestArena(t *testing.T) {
	var a Arena[uint64]
	s1 := a.Alloc(10)
	s2 := a.Alloc(arenaBucketSize) // oversized, gets its own bucket
	s3 := a.Alloc(10)
	if len(s1) != 10 || len(s2) != arenaBucketSize || len(s3) != 10 {
		t.Fatal("wrong slice lengths")
	}
	s1[0] = 42
	for range [3]int{} {
		a.Alloc(arenaBucketSize / 2)
	}
	if s1[0] != 42 {
		t.Fatal("earlier allocation was clobbered")
	}
	for _, v := range s3 {
		if v != 0 {
			t.Fatal("allocation not zeroed")
		}
	}
	if a.Alloc(0) != nil {
		t.Fatal("zero-length allocation should be nil")
	}
}
