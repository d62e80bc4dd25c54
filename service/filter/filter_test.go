package filter

import "testing"

func TestWordFilterMasks(t *testing.T) {
	f := NewWordFilter([]string{"badword", "spam"})
	got := f.Sanitize("this badword is spam here")
	want := "this ******* is **** here"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWordFilterRuneLength(t *testing.T) {
	f := NewWordFilter([]string{"禁词"})
	got := f.Sanitize("包含禁词的文本")
	if got != "包含**的文本" {
		t.Fatalf("mask must use rune length, got %q", got)
	}
}

func TestWordFilterEmptyList(t *testing.T) {
	f := NewWordFilter(nil)
	if got := f.Sanitize("unchanged"); got != "unchanged" {
		t.Fatalf("got %q", got)
	}
}

func TestNoop(t *testing.T) {
	if got := (Noop{}).Sanitize("as is"); got != "as is" {
		t.Fatalf("got %q", got)
	}
}
