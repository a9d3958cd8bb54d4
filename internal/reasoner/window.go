package reasoner

// Span is a half-open rune range [Start, End) of extracted text.
type Span struct {
	Start int
	End   int
}

// Windows returns the overlapping spans covering n runes. Span k starts at
// k*(size-overlap); no span is emitted once the previous one reaches n.
func Windows(n, size, overlap int) []Span {
	if n <= 0 {
		return nil
	}
	if size <= 0 || n <= size {
		return []Span{{Start: 0, End: n}}
	}
	step := size - overlap
	if overlap < 0 || step <= 0 {
		step = size
	}
	spans := make([]Span, 0, n/step+1)
	for start := 0; ; start += step {
		end := start + size
		if end > n {
			end = n
		}
		spans = append(spans, Span{Start: start, End: end})
		if end == n {
			return spans
		}
	}
}

// Split cuts text into overlapping segments measured in runes, so multi-byte
// characters are never split.
func Split(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	spans := Windows(len(runes), size, overlap)
	if len(spans) == 1 {
		return []string{text}
	}
	out := make([]string, len(spans))
	for i, sp := range spans {
		out[i] = string(runes[sp.Start:sp.End])
	}
	return out
}
