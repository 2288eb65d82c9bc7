// Package dedup implements the overlap deduper: it strips the leading
// portion of a freshly transcribed chunk that already appears at the tail
// of the live transcript, so successive ASR windows sharing acoustic
// context don't inject the same words twice.
package dedup

import "strings"

const (
	maxTailHeadSize  = 20
	minFloatingSize  = 4
	maxFloatingSize  = 16
	maxFloatingELook = 28
	floatingLookback = 6
)

// Dedup returns chunk with any duplicated overlap against existing removed.
// Both inputs are the raw (unnormalised) text; normalisation for comparison
// purposes only happens internally.
func Dedup(existing, chunk string) string {
	trimmedChunk := strings.TrimSpace(chunk)
	trimmedExisting := strings.TrimSpace(existing)
	if trimmedChunk == "" || trimmedExisting == "" {
		return chunk
	}
	if strings.Contains(existing, "\n") || strings.Contains(chunk, "\n") {
		return chunk
	}

	eTokens := strings.Fields(existing)
	nTokens := strings.Fields(chunk)
	if len(eTokens) == 0 || len(nTokens) == 0 {
		return chunk
	}

	overlap := tailHeadOverlap(eTokens, nTokens)
	if overlap == 0 && len(nTokens) >= minFloatingSize {
		overlap = floatingOverlap(eTokens, nTokens)
	}
	if overlap == 0 {
		return chunk
	}
	return dropLeadingWords(chunk, overlap)
}

func normTok(s string) string {
	s = strings.ToLower(s)
	return strings.TrimFunc(s, func(r rune) bool {
		return !(r == '\'' || isAlnum(r))
	})
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func tokensEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if normTok(a[i]) != normTok(b[i]) {
			return false
		}
	}
	return true
}

func tailHeadOverlap(e, n []string) int {
	maxSize := len(e)
	if len(n) < maxSize {
		maxSize = len(n)
	}
	if maxSize > maxTailHeadSize {
		maxSize = maxTailHeadSize
	}
	for size := maxSize; size >= 1; size-- {
		if tokensEqual(e[len(e)-size:], n[:size]) {
			return size
		}
	}
	return 0
}

func floatingOverlap(e, n []string) int {
	maxSize := len(n)
	if maxSize > maxFloatingSize {
		maxSize = maxFloatingSize
	}
	if len(e) < maxSize {
		maxSize = len(e)
	}
	if maxSize > maxFloatingELook {
		maxSize = maxFloatingELook
	}

	for size := maxSize; size >= minFloatingSize; size-- {
		head := e
		lowerBound := len(e) - size - floatingLookback
		if lowerBound < 0 {
			lowerBound = 0
		}
		head = head[lowerBound:]
		for start := 0; start+size <= len(head); start++ {
			if tokensEqual(head[start:start+size], n[:size]) {
				return size
			}
		}
	}
	return 0
}

func dropLeadingWords(chunk string, n int) string {
	trailingSpace := len(chunk) > 0 && (chunk[len(chunk)-1] == ' ' || chunk[len(chunk)-1] == '\t')
	fields := strings.Fields(chunk)
	if n >= len(fields) {
		return ""
	}
	rest := strings.Join(fields[n:], " ")
	if trailingSpace && rest != "" {
		rest += " "
	}
	return rest
}
