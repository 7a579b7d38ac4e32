// Package tokest provides a rough, dependency-free token estimate used by the
// ingest pipeline's context-window splitting stage (§4.4 stage 3) to decide
// when a file's chunks exceed a contextualized-embedding backend's safe
// limit, without requiring a model-specific tokenizer.
package tokest

import "unicode"

// Count estimates a token count by splitting on whitespace and counting
// punctuation runs separately, which tracks BPE-style tokenizers more closely
// than a plain space split.
func Count(s string) int {
	inWord := false
	count := 0
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if inWord {
				count++
				inWord = false
			}
		case unicode.IsPunct(r):
			if inWord {
				count++
				inWord = false
			}
			count++
		default:
			inWord = true
		}
	}
	if inWord {
		count++
	}
	return count
}
