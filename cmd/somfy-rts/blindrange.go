package main

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	firstBlind = 1
	lastBlind  = 100
)

// parseBlindRange expands "a..b" (b excluded) and "a..=b" (b included).
// A missing start means the first blind, a missing end runs up to but not
// including the last blind. Bounds past the table are clamped.
func parseBlindRange(arg string) ([]uint8, error) {
	start, end, ok := strings.Cut(arg, "..")
	if !ok {
		return nil, fmt.Errorf("`%s` isn't a valid range", arg)
	}

	from := firstBlind
	if start != "" {
		n, err := strconv.ParseUint(start, 10, 8)
		if err != nil || n < firstBlind {
			return nil, fmt.Errorf("`%s` isn't a valid bound", start)
		}
		from = int(n)
	}

	var to int // exclusive
	switch {
	case strings.HasPrefix(end, "="):
		n, err := strconv.ParseUint(end[1:], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("`%s` isn't a valid bound", end)
		}
		to = min(int(n), lastBlind) + 1
	case end == "":
		to = lastBlind
	default:
		n, err := strconv.ParseUint(end, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("`%s` isn't a valid bound", end)
		}
		to = min(int(n), lastBlind+1)
	}

	ids := []uint8{}
	for id := from; id < to; id++ {
		ids = append(ids, uint8(id))
	}
	return ids, nil
}
