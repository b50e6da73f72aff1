package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func init() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func TestKeyValue_SkipsEmpty(t *testing.T) {
	out := KeyValue("Name", "Asha", "Phone", "", "Blood group", "O+")
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	if !strings.HasPrefix(lines[1], "Blood group") || !strings.HasSuffix(lines[1], "O+") {
		t.Errorf("unexpected line %q", lines[1])
	}
}

func TestTable_AlignsColumns(t *testing.T) {
	out := Table([]string{"ID", "Vaccine"}, [][]string{{"v1", "BCG"}, {"v-long", "Polio"}})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	col := strings.Index(lines[0], "Vaccine")
	if strings.Index(lines[1], "BCG") != col || strings.Index(lines[2], "Polio") != col {
		t.Errorf("columns not aligned:\n%s", out)
	}
}
