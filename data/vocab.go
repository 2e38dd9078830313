package data

import (
	"sort"
	"strings"
	"unicode"
)

// Special tokens, always at the start of a vocabulary in this order.
const (
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
	ClsToken = "[CLS]"
	SepToken = "[SEP]"
)

const (
	PadID = iota
	UnkID
	ClsID
	SepID
)

// Vocab maps tokens to dense integer ids.
type Vocab struct {
	stoi map[string]int
	itos []string
}

// NewVocab returns a vocabulary holding only the special tokens.
func NewVocab() *Vocab {
	v := &Vocab{stoi: make(map[string]int)}
	for _, tok := range []string{PadToken, UnkToken, ClsToken, SepToken} {
		v.Add(tok)
	}
	return v
}

// Add inserts word if missing and returns its id.
func (v *Vocab) Add(word string) int {
	if id, ok := v.stoi[word]; ok {
		return id
	}
	id := len(v.itos)
	v.stoi[word] = id
	v.itos = append(v.itos, word)
	return id
}

// ID returns the id of word, or UnkID.
func (v *Vocab) ID(word string) int {
	if id, ok := v.stoi[word]; ok {
		return id
	}
	return UnkID
}

// Lookup returns the id of word and whether it is known.
func (v *Vocab) Lookup(word string) (int, bool) {
	id, ok := v.stoi[word]
	return id, ok
}

func (v *Vocab) Word(id int) string {
	return v.itos[id]
}

func (v *Vocab) Len() int {
	return len(v.itos)
}

// Tokenizer splits text on whitespace and isolates punctuation.
type Tokenizer struct {
	Lowercase bool
}

func (t Tokenizer) Tokenize(text string) []string {
	if t.Lowercase {
		text = strings.ToLower(text)
	}
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			tokens = append(tokens, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// BuildVocab adds the words of every example, most frequent first with ties
// broken alphabetically so ids do not depend on file order.
func BuildVocab(tokenizer Tokenizer, splits ...[]Example) *Vocab {
	counts := make(map[string]int)
	for _, examples := range splits {
		for _, ex := range examples {
			for _, text := range []string{ex.Text, ex.Text2} {
				for _, tok := range tokenizer.Tokenize(text) {
					counts[tok]++
				}
			}
		}
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})

	v := NewVocab()
	for _, w := range words {
		v.Add(w)
	}
	return v
}
