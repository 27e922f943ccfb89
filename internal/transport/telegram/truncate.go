package telegram

import "strings"

// textLimit stays under Telegram's 4096 rune cap to leave room for entities.
const textLimit = 4000

const ellipsis = "…"

// truncateText fits s into one message of at most limit runes. A cut prefers
// a newline in the last two thirds of the window, never lands inside an open
// HTML tag, and is marked with an ellipsis.
func truncateText(s string, limit int, parseMode string) string {
	if limit <= 1 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	end := cutAtNewline(rs, limit-1)
	if strings.EqualFold(parseMode, "HTML") {
		end = cutBeforeTag(rs, end)
	}
	return strings.TrimRight(string(rs[:end]), "\n ") + ellipsis
}

func cutAtNewline(rs []rune, end int) int {
	for i := end - 1; i >= end/3; i-- {
		if rs[i] == '\n' {
			return i + 1
		}
	}
	return end
}

func cutBeforeTag(rs []rune, end int) int {
	open, closed := -1, -1
	for i := 0; i < end; i++ {
		switch rs[i] {
		case '<':
			open = i
		case '>':
			closed = i
		}
	}
	if open > closed && open > 0 {
		return open
	}
	return end
}
