package adapter

import (
	"strings"
	"testing"
)

func TestSplitTelegramText(t *testing.T) {
	short := "hello"
	if got := splitTelegramText(short, 10); len(got) != 1 || got[0] != short {
		t.Fatalf("short split = %q", got)
	}

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(long, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("newline split = %q", got)
	}

	runes := strings.Repeat("é", 25)
	got = splitTelegramText(runes, 10)
	if len(got) != 3 || len([]rune(got[2])) != 5 {
		t.Fatalf("rune split = %q", got)
	}
}
