package extraction

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/smallbiznis/autocompta/internal/document/domain"
)

const (
	keyValueFieldConfidence = 0.98
	confidenceKey           = "confidence"
)

// KeyValueEngine reads "Label: value" lines from plain text submissions.
// A "confidence" line overrides the overall score.
type KeyValueEngine struct{}

func NewKeyValueEngine() *KeyValueEngine { return &KeyValueEngine{} }

func (e *KeyValueEngine) Name() string { return "keyvalue" }

func (e *KeyValueEngine) Extract(ctx context.Context, blob []byte, _ string) (*Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !utf8.Valid(blob) {
		return nil, newError(KindCorruptFile, errors.New("text payload is not valid utf-8"))
	}

	out := &Extraction{
		RawText:   string(blob),
		PageCount: 1,
		Metadata:  map[string]any{"engine": e.Name()},
	}

	overall := -1.0
	scanner := bufio.NewScanner(bytes.NewReader(blob))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		label, value, ok := splitLine(line)
		if !ok {
			continue
		}
		name := CanonicalField(label)
		if name == confidenceKey {
			if score, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil && score >= 0 && score <= 1 {
				overall = score
			}
			continue
		}
		out.Fields = append(out.Fields, domain.ExtractedField{
			Name:       name,
			Value:      strings.TrimSpace(value),
			Confidence: keyValueFieldConfidence,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, newError(KindCorruptFile, err)
	}

	switch {
	case overall >= 0:
		out.Confidence = overall
	case len(out.Fields) == 0:
		out.Confidence = 0
	default:
		out.Confidence = keyValueFieldConfidence
	}
	return out, nil
}

func splitLine(line string) (string, string, bool) {
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	idx := strings.IndexAny(line, ":=")
	if idx <= 0 {
		return "", "", false
	}
	return line[:idx], line[idx+1:], true
}
