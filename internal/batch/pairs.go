package batch

import (
	"fmt"
	"strings"
)

// Pair is one origin/destination lookup.
type Pair[T any] struct {
	From T
	To   T
}

// AdjacentPairs links each stop to the next one: N stops give N-1 pairs.
func AdjacentPairs[T any](stops []T) []Pair[T] {
	if len(stops) < 2 {
		return nil
	}
	out := make([]Pair[T], 0, len(stops)-1)
	for i := 0; i < len(stops)-1; i++ {
		out = append(out, Pair[T]{From: stops[i], To: stops[i+1]})
	}
	return out
}

// MatrixPairs links every stop to every other stop: N stops give N*(N-1)
// pairs.
func MatrixPairs[T any](stops []T) []Pair[T] {
	if len(stops) < 2 {
		return nil
	}
	out := make([]Pair[T], 0, len(stops)*(len(stops)-1))
	for i := range stops {
		for j := range stops {
			if i == j {
				continue
			}
			out = append(out, Pair[T]{From: stops[i], To: stops[j]})
		}
	}
	return out
}

// Summary aggregates a batch outcome.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Attempts  int
	Errors    []string
}

func Summarize[T, R any](results []Result[T, R]) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		s.Attempts += r.Attempts
		if r.Success {
			s.Succeeded++
			continue
		}
		s.Failed++
		if r.Err != nil {
			s.Errors = append(s.Errors, fmt.Sprintf("%v: %v", r.Item, r.Err))
		}
	}
	return s
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d succeeded", s.Succeeded, s.Total)
	if s.Failed > 0 {
		fmt.Fprintf(&b, ", %d failed", s.Failed)
		for _, e := range s.Errors {
			b.WriteString("\n  - " + e)
		}
	}
	return b.String()
}
