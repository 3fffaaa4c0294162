package formatter

import (
	"fmt"
	"strings"
)

const (
	filledBlock = "█"
	emptyBlock  = "░"
)

// RenderUsage renders a fill gauge like [████░░░░] 45%. Unlike a progress
// bar, fuller is worse: yellow from warnPct, red from critPct.
func RenderUsage(pct float64, width int, warnPct, critPct float64) string {
	if pct < 0 {
		pct = 0
	}
	shown := pct
	if shown > 100 {
		shown = 100
	}
	if width < 2 {
		width = 2
	}

	filled := int(shown / 100 * float64(width))
	if filled > width {
		filled = width
	}
	bar := strings.Repeat(filledBlock, filled) + strings.Repeat(emptyBlock, width-filled)

	style := StyleGreen
	switch {
	case pct >= critPct:
		style = StyleRed
	case pct >= warnPct:
		style = StyleYellow
	}
	return fmt.Sprintf("[%s] %3.0f%%", style.Render(bar), pct)
}
