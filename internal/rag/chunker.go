package rag

import (
	"strings"
	"unicode/utf8"
)

// Chunker splits text into overlapping chunks for indexing. Boundaries
// prefer paragraph breaks, then sentence ends, as long as the break falls
// past half the chunk size; otherwise the chunk is cut at the size limit.
type Chunker struct {
	Size    int
	Overlap int
}

// NewChunker returns a chunker with the given size and overlap. Zero or
// negative values fall back to 1024/128; overlap is clamped below size.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1024
	}
	if overlap < 0 {
		overlap = 128
	}
	if overlap >= size {
		overlap = size / 4
	}
	return &Chunker{Size: size, Overlap: overlap}
}

var sentenceEnds = []string{". ", "! ", "? ", "\n"}

// Split breaks text into chunks. Whitespace-only input yields no chunks.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + c.Size
		if end >= len(text) {
			chunk := strings.TrimSpace(text[start:])
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		cut := c.boundary(text, start, end)
		chunk := strings.TrimSpace(text[start:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := runeStart(text, cut-c.Overlap)
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

// boundary finds the best cut point at or before end. A paragraph break
// wins over a sentence end; both must land past the midpoint of the
// window to be used.
func (c *Chunker) boundary(text string, start, end int) int {
	window := text[start:end]
	min := c.Size / 2

	if idx := strings.LastIndex(window, "\n\n"); idx >= min {
		return start + idx + 2
	}

	best := -1
	for _, sep := range sentenceEnds {
		if idx := strings.LastIndex(window, sep); idx >= min && idx+len(sep) > best {
			best = idx + len(sep)
		}
	}
	if best > 0 {
		return start + best
	}

	// Size-limit cut; keep it off the middle of a multi-byte rune.
	cut := runeStart(text, end)
	if cut <= start {
		cut = end
		for cut < len(text) && !utf8.RuneStart(text[cut]) {
			cut++
		}
	}
	return cut
}

// runeStart backs i off to the nearest rune boundary at or before it.
func runeStart(text string, i int) int {
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}
