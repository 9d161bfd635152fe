// Package search implements the two-tier progressive search engine
// (spec.md §4.7): a lexical BM25 inverted index fused with a fast fp16 /
// quality fp32 embedding pair, plus an incremental updater consuming a
// DocChange stream.
package search

import (
	"math"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75

	maxQueryLength = 512
	maxQueryTerms  = 32
)

var operatorStripper = regexp.MustCompile(`[+\-*/\\^~"():]`)
var markdownStripper = regexp.MustCompile("(?s)```.*?```|`[^`]*`|\\[[^\\]]*\\]\\([^)]*\\)|[*_#>]+")

// Sanitize strips markdown, lowercases, NFC-normalizes, removes lexical
// operators, and enforces the query length/term-count limits (spec.md §4.7).
func Sanitize(s string) (string, bool) {
	if len(s) > maxQueryLength {
		s = s[:maxQueryLength]
	}
	s = markdownStripper.ReplaceAllString(s, " ")
	s = operatorStripper.ReplaceAllString(s, " ")
	s = norm.NFC.String(s)
	s = strings.ToLower(s)

	terms := tokenize(s)
	if len(terms) > maxQueryTerms {
		terms = terms[:maxQueryTerms]
	}
	return strings.Join(terms, " "), len(terms) > 0
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r))
	})
}

type postingList struct {
	// docID -> term frequency within that document
	freq map[int64]int
}

// LexicalIndex is an in-memory BM25 inverted index over sanitized tokens.
type LexicalIndex struct {
	mu         sync.RWMutex
	postings   map[string]*postingList
	docLengths map[int64]int
	totalLen   int64
	docCount   int
}

// NewLexicalIndex creates an empty index.
func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{
		postings:   make(map[string]*postingList),
		docLengths: make(map[int64]int),
	}
}

// Upsert (re-)indexes docID's text, replacing any prior posting contributions.
func (l *LexicalIndex) Upsert(docID int64, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(docID)

	sanitized, ok := Sanitize(text)
	terms := []string{}
	if ok {
		terms = tokenize(sanitized)
	}
	l.docLengths[docID] = len(terms)
	l.totalLen += int64(len(terms))
	l.docCount++

	counts := make(map[string]int, len(terms))
	for _, t := range terms {
		counts[t]++
	}
	for t, c := range counts {
		pl, found := l.postings[t]
		if !found {
			pl = &postingList{freq: make(map[int64]int)}
			l.postings[t] = pl
		}
		pl.freq[docID] = c
	}
}

// Delete removes docID from the index.
func (l *LexicalIndex) Delete(docID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(docID)
}

func (l *LexicalIndex) removeLocked(docID int64) {
	length, existed := l.docLengths[docID]
	if !existed {
		return
	}
	delete(l.docLengths, docID)
	l.totalLen -= int64(length)
	l.docCount--
	for _, pl := range l.postings {
		delete(pl.freq, docID)
	}
}

// Score returns BM25 scores for query over every document containing at
// least one query term, keyed by doc ID.
func (l *LexicalIndex) Score(query string) map[int64]float64 {
	sanitized, ok := Sanitize(query)
	if !ok {
		return nil
	}
	terms := tokenize(sanitized)

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.docCount == 0 {
		return nil
	}
	avgLen := float64(l.totalLen) / float64(l.docCount)

	scores := make(map[int64]float64)
	seen := make(map[string]bool)
	for _, t := range terms {
		if seen[t] {
			continue
		}
		seen[t] = true
		pl, found := l.postings[t]
		if !found {
			continue
		}
		n := len(pl.freq)
		idf := math.Log(1 + (float64(l.docCount)-float64(n)+0.5)/(float64(n)+0.5))
		for docID, f := range pl.freq {
			dl := float64(l.docLengths[docID])
			denom := float64(f) + bm25K1*(1-bm25B+bm25B*dl/avgLen)
			scores[docID] += idf * (float64(f) * (bm25K1 + 1) / denom)
		}
	}
	return scores
}
