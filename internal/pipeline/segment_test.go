package pipeline

import (
	"strings"
	"testing"
)

func TestSegmenter_BasicSentences(t *testing.T) {
	s := newSegmenter(0)
	var got []string
	for _, token := range []string{"Hello ", "there. How ", "are you? ", "Fine; good. "} {
		got = append(got, s.Push(token)...)
	}
	want := []string{"Hello there.", "How are you?", "Fine;", "good."}
	if len(got) != len(want) {
		t.Fatalf("sentences = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSegmenter_DecimalNotSplit(t *testing.T) {
	s := newSegmenter(0)
	var got []string
	got = append(got, s.Push("The premium is 3.50 euros ")...)
	got = append(got, s.Push("per month. ")...)
	if len(got) != 1 {
		t.Fatalf("sentences = %v, want one", got)
	}
	if got[0] != "The premium is 3.50 euros per month." {
		t.Errorf("sentence = %q", got[0])
	}
}

func TestSegmenter_FullWidthTerminators(t *testing.T) {
	s := newSegmenter(0)
	got := s.Push("こんにちは。お元気ですか？")
	if len(got) != 2 {
		t.Fatalf("sentences = %v, want 2", got)
	}
	if got[0] != "こんにちは。" || got[1] != "お元気ですか？" {
		t.Errorf("sentences = %v", got)
	}
}

func TestSegmenter_ForcedExtractionAtMaxLen(t *testing.T) {
	s := newSegmenter(40)
	long := strings.Repeat("word ", 20) // 100 chars, no terminator
	got := s.Push(long)
	if len(got) == 0 {
		t.Fatal("no forced extraction on oversized buffer")
	}
	for _, sentence := range got {
		if len(sentence) > 45 {
			t.Errorf("forced sentence too long: %d chars", len(sentence))
		}
	}
}

func TestSegmenter_FlushReturnsRemainder(t *testing.T) {
	s := newSegmenter(0)
	if got := s.Push("Complete. And a tail"); len(got) != 1 {
		t.Fatalf("sentences = %v", got)
	}
	if rest := s.Flush(); rest != "And a tail" {
		t.Errorf("Flush = %q", rest)
	}
	if rest := s.Flush(); rest != "" {
		t.Errorf("second Flush = %q, want empty", rest)
	}
}

func TestSegmenter_TerminatorAtBufferEndWaits(t *testing.T) {
	s := newSegmenter(0)
	if got := s.Push("Version 2."); len(got) != 0 {
		t.Fatalf("premature extraction: %v", got)
	}
	// Whitespace in the next token completes the boundary.
	got := s.Push(" Next.")
	if len(got) != 1 || got[0] != "Version 2." {
		t.Fatalf("sentences = %v", got)
	}
}
