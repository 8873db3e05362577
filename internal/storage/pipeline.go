package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/zot/hermes/internal/path"
)

// RunPipeline evaluates aggregation stages in process for the embedded
// backends. Supported stages: $match, $project, $sort, $skip, $limit.
func RunPipeline(docs []Document, pipeline Pipeline) ([]Document, error) {
	out := docs
	for i, raw := range pipeline {
		op, arg, err := splitStage(raw)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		switch op {
		case "$match":
			out, err = stageMatch(out, arg)
		case "$project":
			out, err = stageProject(out, arg)
		case "$sort":
			out, err = stageSort(out, arg)
		case "$skip":
			out, err = stageSkip(out, arg)
		case "$limit":
			out, err = stageLimit(out, arg)
		default:
			err = fmt.Errorf("unsupported stage %s", op)
		}
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
	}
	return out, nil
}

func splitStage(raw json.RawMessage) (string, json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", nil, fmt.Errorf("stage must be an object: %w", err)
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("stage must have exactly one operator, got %d", len(m))
	}
	for k, v := range m {
		return k, v, nil
	}
	return "", nil, nil
}

func stageMatch(docs []Document, arg json.RawMessage) ([]Document, error) {
	var filter map[string]any
	if err := json.Unmarshal(arg, &filter); err != nil {
		return nil, fmt.Errorf("$match: %w", err)
	}
	var out []Document
	for _, d := range docs {
		ok, err := Matches(d, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// Matches evaluates a query filter against one document.
func Matches(doc Document, filter map[string]any) (bool, error) {
	for key, cond := range filter {
		switch key {
		case "$and", "$or", "$nor":
			clauses, ok := cond.([]any)
			if !ok {
				return false, fmt.Errorf("%s expects an array", key)
			}
			hit := 0
			for _, c := range clauses {
				sub, ok := c.(map[string]any)
				if !ok {
					return false, fmt.Errorf("%s clauses must be objects", key)
				}
				m, err := Matches(doc, sub)
				if err != nil {
					return false, err
				}
				if m {
					hit++
				}
			}
			switch key {
			case "$and":
				if hit != len(clauses) {
					return false, nil
				}
			case "$or":
				if hit == 0 {
					return false, nil
				}
			case "$nor":
				if hit != 0 {
					return false, nil
				}
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			return false, fmt.Errorf("unsupported top-level operator %s", key)
		}

		value, found := path.Get(doc, key)
		if ops, ok := operatorObject(cond); ok {
			for op, arg := range ops {
				m, err := applyOperator(op, arg, value, found)
				if err != nil {
					return false, err
				}
				if !m {
					return false, nil
				}
			}
			continue
		}
		if !equalMatch(value, found, cond) {
			return false, nil
		}
	}
	return true, nil
}

// operatorObject reports whether cond is an object of $operators.
func operatorObject(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func applyOperator(op string, arg, value any, found bool) (bool, error) {
	switch op {
	case "$eq":
		return equalMatch(value, found, arg), nil
	case "$ne":
		return !equalMatch(value, found, arg), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !found {
			return false, nil
		}
		c, ok := compareScalar(value, arg)
		if !ok {
			return false, nil
		}
		switch op {
		case "$gt":
			return c > 0, nil
		case "$gte":
			return c >= 0, nil
		case "$lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case "$in", "$nin":
		list, ok := arg.([]any)
		if !ok {
			return false, fmt.Errorf("%s expects an array", op)
		}
		in := false
		for _, candidate := range list {
			if equalMatch(value, found, candidate) {
				in = true
				break
			}
		}
		if op == "$in" {
			return in, nil
		}
		return !in, nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			want = toNumberOrZero(arg) != 0
		}
		return found == want, nil
	default:
		return false, fmt.Errorf("unsupported operator %s", op)
	}
}

// equalMatch compares a document value with a query value. Arrays match
// when any element equals the query value; null matches a missing field.
func equalMatch(value any, found bool, want any) bool {
	if !found {
		return want == nil
	}
	if equalValues(value, want) {
		return true
	}
	if arr, ok := value.([]any); ok {
		for _, e := range arr {
			if equalValues(e, want) {
				return true
			}
		}
	}
	return false
}

func equalValues(a, b any) bool {
	if fa, ok := toNumber(a); ok {
		fb, ok := toNumber(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize converts numbers to float64 so decoded JSON and Go literals compare equal.
func normalize(v any) any {
	if f, ok := toNumber(v); ok {
		return f
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toNumberOrZero(v any) float64 {
	f, _ := toNumber(v)
	return f
}

func compareScalar(a, b any) (int, bool) {
	if fa, ok := toNumber(a); ok {
		fb, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func stageProject(docs []Document, arg json.RawMessage) ([]Document, error) {
	var fields map[string]any
	if err := json.Unmarshal(arg, &fields); err != nil {
		return nil, fmt.Errorf("$project: %w", err)
	}
	includeID := true
	var include, exclude []string
	for field, v := range fields {
		on := truthy(v)
		if field == "_id" {
			includeID = on
			continue
		}
		if on {
			include = append(include, field)
		} else {
			exclude = append(exclude, field)
		}
	}
	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("$project cannot mix inclusion and exclusion")
	}

	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		var p Document
		if len(include) > 0 {
			p = path.Project(d, include)
		} else {
			p = path.Clone(d)
			for _, f := range exclude {
				path.Unset(p, f)
			}
		}
		if !includeID {
			delete(p, "_id")
		}
		out = append(out, p)
	}
	return out, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}

type sortKey struct {
	field string
	dir   int
}

// orderedKeys reads an object's keys in document order, which $sort depends on.
func orderedKeys(raw json.RawMessage) ([]sortKey, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("$sort expects an object")
	}
	var keys []sortKey
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		field := tok.(string)
		var dir json.Number
		if err := dec.Decode(&dir); err != nil {
			return nil, fmt.Errorf("$sort %s: direction must be 1 or -1", field)
		}
		n, err := dir.Int64()
		if err != nil || (n != 1 && n != -1) {
			return nil, fmt.Errorf("$sort %s: direction must be 1 or -1", field)
		}
		keys = append(keys, sortKey{field: field, dir: int(n)})
	}
	return keys, nil
}

func stageSort(docs []Document, arg json.RawMessage) ([]Document, error) {
	keys, err := orderedKeys(arg)
	if err != nil {
		return nil, err
	}
	out := append([]Document(nil), docs...)
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			a, aok := path.Get(out[i], k.field)
			b, bok := path.Get(out[j], k.field)
			c := compareForSort(a, aok, b, bok)
			if c != 0 {
				return c*k.dir < 0
			}
		}
		return false
	})
	return out, nil
}

// compareForSort orders missing < null < numbers < strings < everything else.
func compareForSort(a any, aok bool, b any, bok bool) int {
	ra, rb := sortRank(a, aok), sortRank(b, bok)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if c, ok := compareScalar(a, b); ok {
		return c
	}
	return 0
}

func sortRank(v any, found bool) int {
	if !found {
		return 0
	}
	if v == nil {
		return 1
	}
	if _, ok := toNumber(v); ok {
		return 2
	}
	if _, ok := v.(string); ok {
		return 3
	}
	return 4
}

func stageSkip(docs []Document, arg json.RawMessage) ([]Document, error) {
	n, err := count(arg, "$skip")
	if err != nil {
		return nil, err
	}
	if n >= len(docs) {
		return nil, nil
	}
	return docs[n:], nil
}

func stageLimit(docs []Document, arg json.RawMessage) ([]Document, error) {
	n, err := count(arg, "$limit")
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("$limit must be positive")
	}
	if n < len(docs) {
		return docs[:n], nil
	}
	return docs, nil
}

func count(arg json.RawMessage, op string) (int, error) {
	var n float64
	if err := json.Unmarshal(arg, &n); err != nil || n < 0 || n != float64(int(n)) {
		return 0, fmt.Errorf("%s expects a non-negative integer", op)
	}
	return int(n), nil
}
