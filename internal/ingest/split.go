package ingest

import (
	"path/filepath"
	"regexp"
	"strings"

	"atlas/internal/model"
)

// TextChunk is an intermediate splitter output, before embedding/keygen
// enrichment (spec §4.4 stage 2).
type TextChunk struct {
	Index int
	Text  string
}

var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".rs": true, ".java": true, ".c": true, ".h": true, ".cc": true, ".cpp": true,
	".rb": true, ".php": true, ".sh": true, ".sql": true, ".proto": true,
}

var mediaExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".mp3": true, ".wav": true, ".mp4": true, ".mov": true,
}

// DetectContentType classifies a file by extension (spec §4.4 stage 2).
func DetectContentType(path string) model.ContentType {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case codeExtensions[ext]:
		return model.ContentCode
	case mediaExtensions[ext]:
		return model.ContentMedia
	default:
		return model.ContentText
	}
}

var codeBoundaryRe = regexp.MustCompile(`(?m)^\s*(func |class |def |type \w+ struct|type \w+ interface)`)

// Split divides text into chunks appropriate to contentType, dropping any
// chunk shorter than minChars (spec §4.4 stage 2). Text is split on
// paragraph/heading boundaries; code is split on function/type boundaries.
// A paragraph or function with no boundary inside it stays one chunk however
// long it is; fixedSplit runs only when the boundary split yields no chunk at
// all.
func Split(text string, contentType model.ContentType, minChars int) []TextChunk {
	var raw []string
	switch contentType {
	case model.ContentCode:
		raw = splitCode(text)
	default:
		raw = splitText(text)
	}

	out := make([]TextChunk, 0, len(raw))
	idx := 0
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if len(t) < minChars {
			continue
		}
		out = append(out, TextChunk{Index: idx, Text: t})
		idx++
	}
	return out
}

const targetChunkChars = 2000

func splitText(text string) []string {
	paragraphs := regexp.MustCompile(`\n{2,}`).Split(text, -1)
	var out []string
	var buf strings.Builder
	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			out = append(out, s)
		}
		buf.Reset()
	}
	for _, p := range paragraphs {
		isHeading := strings.HasPrefix(strings.TrimSpace(p), "#")
		if isHeading && buf.Len() > 0 {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
		if buf.Len() >= targetChunkChars {
			flush()
		}
	}
	flush()
	if len(out) == 0 && strings.TrimSpace(text) != "" {
		out = fixedSplit(text, targetChunkChars)
	}
	return out
}

func splitCode(text string) []string {
	lines := strings.Split(text, "\n")
	var out []string
	var buf strings.Builder
	for i, ln := range lines {
		if codeBoundaryRe.MatchString(ln) && buf.Len() > targetChunkChars/4 {
			out = append(out, strings.TrimRight(buf.String(), "\n"))
			buf.Reset()
		}
		buf.WriteString(ln)
		if i < len(lines)-1 {
			buf.WriteString("\n")
		}
	}
	if s := strings.TrimSpace(buf.String()); s != "" {
		out = append(out, s)
	}
	if len(out) == 0 && strings.TrimSpace(text) != "" {
		out = fixedSplit(text, targetChunkChars)
	}
	return out
}

func fixedSplit(text string, size int) []string {
	var out []string
	for start := 0; start < len(text); start += size {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		out = append(out, text[start:end])
	}
	return out
}
