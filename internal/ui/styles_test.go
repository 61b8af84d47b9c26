package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestRender_PlainProfileKeepsText(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	tests := []struct {
		name string
		fn   func(string) string
	}{
		{"accent", RenderAccent},
		{"pass", RenderPass},
		{"warn", RenderWarn},
		{"fail", RenderFail},
		{"muted", RenderMuted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn("board"); got != "board" {
				t.Errorf("got %q, want %q", got, "board")
			}
		})
	}
}

func TestRenderOnline(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	if got := RenderOnline(true); !strings.Contains(got, "online") {
		t.Errorf("RenderOnline(true) = %q", got)
	}
	if got := RenderOnline(false); !strings.Contains(got, "offline") {
		t.Errorf("RenderOnline(false) = %q", got)
	}
}

func TestColorEnabled_NoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	t.Setenv("CLICOLOR_FORCE", "1")
	if ColorEnabled() {
		t.Error("NO_COLOR should disable colors")
	}
}
