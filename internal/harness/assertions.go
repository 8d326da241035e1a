package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/indexer"
	"github.com/roach88/replica/internal/queue"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s", ev.Seq, ev.Op, ev.UUID)
		if ev.Error != "" {
			fmt.Fprintf(&buf, " (%s)", ev.Error)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

// AssertionContext gives assertions access to the final state.
type AssertionContext struct {
	Ctx     context.Context
	Index   *index.Index
	Queue   *queue.Queue
	Indexer *indexer.Indexer
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertIndexed:
			err = assertIndexed(result.Trace, a, actx)
		case AssertNotIndexed:
			err = assertNotIndexed(result.Trace, a, actx)
		case AssertQueue:
			err = assertQueue(result.Trace, a, actx)
		case AssertUpToDate:
			err = assertUpToDate(result.Trace, a, actx)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// assertIndexed checks that a document is stored and matches the expected
// fields (subset match).
func assertIndexed(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	doc, err := actx.Index.GetDirect(actx.Ctx, a.UUID)
	if errors.Is(err, index.ErrNotFound) {
		return &AssertionError{
			Type:     AssertIndexed,
			Expected: fmt.Sprintf("document %s", a.UUID),
			Actual:   "not indexed",
			Trace:    trace,
		}
	}
	if err != nil {
		return err
	}
	if len(a.Expect) == 0 {
		return nil
	}

	actual, err := jsonValue(doc)
	if err != nil {
		return err
	}
	expected, err := jsonValue(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	if path, ok := matchSubset(expected, actual, ""); !ok {
		return &AssertionError{
			Type:     AssertIndexed,
			Expected: fmt.Sprintf("%s at %s", describe(lookup(expected, path)), path),
			Actual:   describe(lookup(actual, path)),
			Trace:    trace,
		}
	}
	return nil
}

func assertNotIndexed(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	_, err := actx.Index.GetDirect(actx.Ctx, a.UUID)
	if errors.Is(err, index.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return &AssertionError{
		Type:     AssertNotIndexed,
		Expected: fmt.Sprintf("no document for %s", a.UUID),
		Actual:   "indexed",
		Trace:    trace,
	}
}

func assertQueue(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	lane, err := queue.ParseLane(a.Lane)
	if err != nil {
		return err
	}
	counts, err := actx.Queue.Counts(actx.Ctx)
	if err != nil {
		return err
	}
	if got := counts[lane].Waiting; got != a.Count {
		return &AssertionError{
			Type:     AssertQueue,
			Expected: fmt.Sprintf("%d waiting on %s", a.Count, lane),
			Actual:   fmt.Sprintf("%d waiting", got),
			Trace:    trace,
		}
	}
	return nil
}

func assertUpToDate(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	info, err := actx.Indexer.Info(actx.Ctx, a.UUID, indexer.InfoOptions{})
	if err != nil {
		return err
	}
	if info.RebuildWarranted {
		return &AssertionError{
			Type:     AssertUpToDate,
			Expected: fmt.Sprintf("document %s matches a fresh build", a.UUID),
			Actual:   fmt.Sprintf("rebuild warranted (sid_db %d, sid_index %d)", info.SIDDB, info.SIDIndex),
			Trace:    trace,
		}
	}
	return nil
}

// jsonValue converts v to the generic JSON model so YAML and document
// values compare equal.
func jsonValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// matchSubset reports whether every field of expected is present in actual
// with an equal value. Objects match as subsets; arrays must have the same
// length and match element by element. On mismatch it returns the path of
// the first differing value.
func matchSubset(expected, actual any, path string) (string, bool) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return path, false
		}
		keys := make([]string, 0, len(exp))
		for k := range exp {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p, ok := matchSubset(exp[k], act[k], path+"."+k)
			if !ok {
				return p, false
			}
		}
		return path, true
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return path, false
		}
		for i := range exp {
			p, ok := matchSubset(exp[i], act[i], fmt.Sprintf("%s[%d]", path, i))
			if !ok {
				return p, false
			}
		}
		return path, true
	default:
		return path, reflect.DeepEqual(expected, actual)
	}
}

// lookup follows a path produced by matchSubset.
func lookup(v any, path string) any {
	for path != "" {
		switch {
		case strings.HasPrefix(path, "."):
			path = path[1:]
			end := strings.IndexAny(path, ".[")
			if end < 0 {
				end = len(path)
			}
			m, ok := v.(map[string]any)
			if !ok {
				return nil
			}
			v, path = m[path[:end]], path[end:]
		case strings.HasPrefix(path, "["):
			end := strings.IndexByte(path, ']')
			var i int
			fmt.Sscanf(path[1:end], "%d", &i)
			s, ok := v.([]any)
			if !ok || i >= len(s) {
				return nil
			}
			v, path = s[i], path[end+1:]
		default:
			return nil
		}
	}
	return v
}

func describe(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
