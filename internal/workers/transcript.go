package workers

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode"

	"github.com/nidhogg/nuka-conductor/internal/agent"
	"github.com/nidhogg/nuka-conductor/internal/models"
)

const maxKeywords = 10

// Transcript analyzes a transcript without any model: word count, keywords
// by frequency and speaker turns for "Name: text" lines.
type Transcript struct {
	agent.Base
}

// NewTranscript creates a transcript worker.
func NewTranscript(id, name string, caps ...models.Capability) *Transcript {
	return &Transcript{Base: agent.NewBase(id, name, caps...)}
}

func (w *Transcript) Execute(ctx context.Context, t models.Task, sc *agent.SessionContext) *models.Result {
	if err := ctx.Err(); err != nil {
		return models.Failed(err)
	}
	text := stringParam(t, "transcript")
	if text == "" {
		text = stringParam(t, "text")
	}
	if text == "" && sc != nil {
		if s, ok := sc.Memory["transcript"].(string); ok {
			text = s
		}
	}
	if text == "" {
		text = dependencyText(sc)
	}
	if strings.TrimSpace(text) == "" {
		return models.Failed(errors.New("transcript: empty input"))
	}

	a := Analyze(text, maxKeywords)
	r := models.Succeeded(map[string]any{
		"word_count": a.Words,
		"keywords":   a.Keywords,
		"speakers":   a.Speakers,
		"turns":      a.Turns,
	}, 1)
	r.MemoryUpdates = map[string]any{"transcript_keywords": a.Keywords}
	return r
}

// Analysis is the result of Analyze.
type Analysis struct {
	Words    int
	Keywords []string
	// Speakers counts turns per speaker.
	Speakers map[string]int
	// Turns counts speaker changes, including the first speaker.
	Turns int
}

// Analyze computes transcript statistics. Keywords are ordered by frequency,
// then alphabetically.
func Analyze(text string, limit int) Analysis {
	a := Analysis{Speakers: map[string]int{}}
	freq := map[string]int{}
	last := ""

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if speaker, rest, ok := splitSpeaker(line); ok {
			a.Speakers[speaker]++
			if speaker != last {
				a.Turns++
				last = speaker
			}
			line = rest
		}
		for _, w := range strings.FieldsFunc(line, func(r rune) bool {
			return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '\'')
		}) {
			a.Words++
			lower := strings.ToLower(w)
			if len(lower) < 3 || stopwords[lower] {
				continue
			}
			freq[lower]++
		}
	}

	keys := make([]string, 0, len(freq))
	for k := range freq {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if freq[keys[i]] != freq[keys[j]] {
			return freq[keys[i]] > freq[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	a.Keywords = keys
	return a
}

// splitSpeaker recognises "Alice: hello". Speaker names are short and
// contain no sentence punctuation.
func splitSpeaker(line string) (string, string, bool) {
	i := strings.Index(line, ":")
	if i <= 0 || i > 32 {
		return "", "", false
	}
	name := strings.TrimSpace(line[:i])
	if name == "" || strings.ContainsAny(name, ".,!?\"") || len(strings.Fields(name)) > 3 {
		return "", "", false
	}
	return name, strings.TrimSpace(line[i+1:]), true
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true,
	"but": true, "not": true, "you": true, "all": true,
	"can": true, "had": true, "her": true, "was": true,
	"one": true, "our": true, "out": true, "has": true,
	"have": true, "been": true, "this": true, "that": true,
	"with": true, "from": true, "they": true, "will": true,
	"what": true, "when": true, "make": true, "like": true,
	"just": true, "into": true, "than": true, "them": true,
	"some": true, "could": true, "would": true, "there": true,
	"we're": true, "it's": true, "i'm": true, "let's": true,
}
