package buffer

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"
)

func TestRingBufferOverwrite(t *testing.T) {
	tests := []struct {
		size int
		adds int
		want []string
	}{
		{1, 3, []string{"line-2"}},
		{2, 3, []string{"line-1", "line-2"}},
		{3, 3, []string{"line-0", "line-1", "line-2"}},
		{4, 3, []string{"line-0", "line-1", "line-2"}},
		{7, 100, []string{"line-93", "line-94", "line-95", "line-96", "line-97", "line-98", "line-99"}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("size=%d,adds=%d", tt.size, tt.adds), func(t *testing.T) {
			rb := RingN[string](tt.size)
			for i := range tt.adds {
				if err := rb.Add(fmt.Sprintf("line-%d", i)); err != nil {
					t.Fatalf("Add: %v", err)
				}
			}

			if rb.Len() != len(tt.want) {
				t.Errorf("Len() = %d, want %d", rb.Len(), len(tt.want))
			}
			if got := rb.Snapshot(); !slices.Equal(got, tt.want) {
				t.Errorf("Snapshot() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRingBufferSnapshotEmpty(t *testing.T) {
	rb := RingN[string](8)
	if got := rb.Snapshot(); got != nil {
		t.Errorf("Snapshot() on empty buffer = %v, want nil", got)
	}
}

func TestRingBufferSnapshotCopies(t *testing.T) {
	rb := RingN[string](4)
	rb.Add("欢迎来到直播间")
	rb.Add("今天试色全新口红")

	snap := rb.Snapshot()
	snap[0] = "mutated"

	if got := rb.Snapshot()[0]; got != "欢迎来到直播间" {
		t.Errorf("buffer mutated through snapshot: %q", got)
	}
}

func TestRingBufferNextDrains(t *testing.T) {
	rb := RingN[string](3)
	rb.Add("a")
	rb.Add("b")
	rb.CloseWrite()

	for _, want := range []string{"a", "b"} {
		got, err := rb.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Errorf("Next() = %q, want %q", got, want)
		}
	}

	if _, err := rb.Next(); !errors.Is(err, ErrIteratorDone) {
		t.Errorf("Next() after drain error = %v, want ErrIteratorDone", err)
	}
}

func TestRingBufferNextBlocks(t *testing.T) {
	rb := RingN[string](3)

	got := make(chan string, 1)
	go func() {
		v, err := rb.Next()
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- v
	}()

	select {
	case v := <-got:
		t.Fatalf("Next returned %q before any Add", v)
	case <-time.After(20 * time.Millisecond):
	}

	rb.Add("下一条弹幕")

	select {
	case v := <-got:
		if v != "下一条弹幕" {
			t.Errorf("Next() = %q, want %q", v, "下一条弹幕")
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake after Add")
	}
}

func TestRingBufferAddAfterClose(t *testing.T) {
	rb := RingN[string](2)
	rb.CloseWrite()

	if err := rb.Add("late"); err == nil {
		t.Error("Add after CloseWrite should fail")
	}
	// Closing twice is a no-op
	if err := rb.CloseWrite(); err != nil {
		t.Errorf("second CloseWrite: %v", err)
	}
}

func TestRingBufferReset(t *testing.T) {
	rb := RingN[string](4)
	rb.Add("a")
	rb.Add("b")
	rb.Reset()

	if rb.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", rb.Len())
	}
	if got := rb.Snapshot(); got != nil {
		t.Errorf("Snapshot() after Reset = %v, want nil", got)
	}

	// Buffer stays usable after Reset
	rb.Add("c")
	if got := rb.Snapshot(); !slices.Equal(got, []string{"c"}) {
		t.Errorf("Snapshot() = %v, want [c]", got)
	}
}
