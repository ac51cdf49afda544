package speech

import (
	"math/rand/v2"
	"strings"
	"testing"
)

func texts(segs []Segment) []string {
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.Text
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// feedAll feeds deltas and flushes, returning every segment produced.
func feedAll(s *Segmenter, deltas ...string) []Segment {
	var out []Segment
	for _, d := range deltas {
		out = append(out, s.Feed(d)...)
	}
	if tail, ok := s.Flush(); ok {
		out = append(out, tail)
	}
	return out
}

func TestSegmenter_ChineseClausesAcrossDeltas(t *testing.T) {
	t.Parallel()
	var s Segmenter

	if got := texts(s.Feed("你好，")); !equalStrings(got, []string{"你好，"}) {
		t.Fatalf("after first delta got %q, want [你好，]", got)
	}
	if got := s.Feed("今天天气"); len(got) != 0 {
		t.Fatalf("delta without boundary produced %q", texts(got))
	}
	got := s.Feed("很好！")
	if !equalStrings(texts(got), []string{"今天天气很好！"}) {
		t.Fatalf("after last delta got %q, want [今天天气很好！]", texts(got))
	}
	if got[0].ID != 2 {
		t.Errorf("second segment ID = %d, want 2", got[0].ID)
	}
	if _, ok := s.Flush(); ok {
		t.Error("Flush with empty tail should report no segment")
	}
}

func TestSegmenter_Boundaries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		deltas []string
		want   []string
	}{
		{
			name:   "english sentences",
			deltas: []string{"Hello there. How are you? Fine!"},
			want:   []string{"Hello there.", " How are you?", " Fine!"},
		},
		{
			name:   "decimal and thousands stay whole",
			deltas: []string{"Pi is 3.14 and a grand is 1,000 dollars. Done"},
			want:   []string{"Pi is 3.14 and a grand is 1,000 dollars.", " Done"},
		},
		{
			name:   "period at end of delta waits for next delta",
			deltas: []string{"It costs 3.", "50 now. Ok"},
			want:   []string{"It costs 3.50 now.", " Ok"},
		},
		{
			name:   "comma clause with space",
			deltas: []string{"Well, maybe"},
			want:   []string{"Well,", " maybe"},
		},
		{
			name:   "closing quote stays with sentence",
			deltas: []string{"他说：「好！」然后走了。"},
			want:   []string{"他说：", "「好！」", "然后走了。"},
		},
		{
			name:   "repeated terminators stay together",
			deltas: []string{"Really?! Yes..."},
			want:   []string{"Really?!", " Yes..."},
		},
		{
			name:   "line break is a boundary and whitespace carries over",
			deltas: []string{"第一行\n\n第二行"},
			want:   []string{"第一行\n", "\n第二行"},
		},
		{
			name:   "semicolon and enumeration comma",
			deltas: []string{"苹果、香蕉；橙子"},
			want:   []string{"苹果、", "香蕉；", "橙子"},
		},
		{
			name:   "whitespace only input",
			deltas: []string{"  \n ", "\t"},
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var s Segmenter
			got := texts(feedAll(&s, tt.deltas...))
			if !equalStrings(got, tt.want) {
				t.Errorf("segments = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSegmenter_FlushMarksFinal(t *testing.T) {
	t.Parallel()
	var s Segmenter
	s.Feed("First. Second part")
	tail, ok := s.Flush()
	if !ok {
		t.Fatal("expected a tail segment")
	}
	if !tail.Final || tail.Text != " Second part" || tail.ID != 2 {
		t.Errorf("tail = %+v, want Final ID 2 text %q", tail, " Second part")
	}
	if extra, ok := s.Flush(); ok {
		t.Errorf("second Flush returned %+v, want nothing buffered", extra)
	}
}

func TestSegmenter_IDsAreMonotonic(t *testing.T) {
	t.Parallel()
	var s Segmenter
	segs := feedAll(&s, "一。", "二。", "   ", "三。四")
	for i, seg := range segs {
		if seg.ID != uint64(i+1) {
			t.Errorf("segment %d has ID %d, want %d", i, seg.ID, i+1)
		}
	}
	if len(segs) == 0 || !segs[len(segs)-1].Final {
		t.Errorf("last segment should be the Final tail, got %+v", segs)
	}
}

func TestSegmenter_Reset(t *testing.T) {
	t.Parallel()
	var s Segmenter
	s.Feed("one. two")
	s.Reset()
	if tail, ok := s.Flush(); ok {
		t.Fatalf("Reset left %q buffered", tail.Text)
	}
	got := s.Feed("again。")
	if len(got) != 1 || got[0].ID != 1 {
		t.Errorf("after Reset got %+v, want one segment with ID 1", got)
	}
}

func TestSegmenter_CompletenessUnderArbitraryChunking(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"你好，今天天气很好！我们去公园吧。好吗？",
		"  The quick brown fox, which was 3.5 years old, jumped. Then it slept!\nThe end",
		"混合 text，with 中文 and English. 真的吗？Yes!!",
		"No boundaries at all in this one",
		"他说：「走吧。」\n\n她回答：“好的！”",
	}
	rng := rand.New(rand.NewPCG(1, 2))

	for _, input := range inputs {
		runes := []rune(input)
		for trial := range 50 {
			var deltas []string
			for i := 0; i < len(runes); {
				n := 1 + rng.IntN(6)
				if i+n > len(runes) {
					n = len(runes) - i
				}
				deltas = append(deltas, string(runes[i:i+n]))
				i += n
			}

			var s Segmenter
			segs := feedAll(&s, deltas...)
			var b strings.Builder
			for _, seg := range segs {
				if strings.TrimSpace(seg.Text) == "" {
					t.Fatalf("whitespace-only segment emitted for %q", input)
				}
				b.WriteString(seg.Text)
			}
			if got, want := strings.TrimSpace(b.String()), strings.TrimSpace(input); got != want {
				t.Fatalf("trial %d: concatenation = %q, want %q (deltas %q)", trial, got, want, deltas)
			}
		}
	}
}

func TestSegmenter_SameSegmentsRegardlessOfChunking(t *testing.T) {
	t.Parallel()
	input := "第一句。Second one! 第三，还有 3.14 呢。"
	var whole Segmenter
	want := texts(feedAll(&whole, input))

	var byRune Segmenter
	var deltas []string
	for _, r := range input {
		deltas = append(deltas, string(r))
	}
	got := texts(feedAll(&byRune, deltas...))
	if !equalStrings(got, want) {
		t.Errorf("rune-by-rune segments = %q, want %q", got, want)
	}
}
