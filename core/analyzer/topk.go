// Package analyzer ranks the words of a text by frequency.
package analyzer

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// WordCount is one ranked word
type WordCount struct {
	Word  string
	Count int
}

// Ranking is a list of words ordered by descending count. Words with equal
// counts keep the order in which they first appeared in the text.
type Ranking []WordCount

// TopK splits text on whitespace and returns the k most frequent words
func TopK(text string, k int) Ranking {
	if k <= 0 {
		return Ranking{}
	}

	counts := make(map[string]int)
	var order []string
	for _, word := range strings.Fields(text) {
		if counts[word] == 0 {
			order = append(order, word)
		}
		counts[word]++
	}

	ranking := make(Ranking, len(order))
	for i, word := range order {
		ranking[i] = WordCount{Word: word, Count: counts[word]}
	}

	// stable keeps first-seen order between equal counts
	sort.SliceStable(ranking, func(i, j int) bool {
		return ranking[i].Count > ranking[j].Count
	})

	if len(ranking) > k {
		ranking = ranking[:k]
	}
	return ranking
}

// Map returns the ranking as a word -> count map
func (r Ranking) Map() map[string]int {
	m := make(map[string]int, len(r))
	for _, wc := range r {
		m[wc.Word] = wc.Count
	}
	return m
}

// MarshalJSON encodes the ranking as a flat JSON object, keys in rank order
func (r Ranking) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, wc := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(wc.Word)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(wc.Count))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
