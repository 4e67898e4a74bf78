package zset

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Record is a single tuple payload. Values must be JSON-encodable scalars,
// arrays, or nested maps so that record identity is well-defined.
type Record map[string]any

// DeepCopy copies the record one level deep for scalar fields and recursively
// for nested maps and slices.
func (r Record) DeepCopy() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Record(t).DeepCopy()
	case Record:
		return t.DeepCopy()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// Row is a tuple flowing on a circuit edge: an optional index key plus the
// record payload. Unkeyed rows carry an empty Key.
type Row struct {
	Key string `json:"key,omitempty"`
	Doc Record `json:"doc"`
}

// canonicalKey returns the identity of a row. encoding/json sorts map keys,
// so the encoding is total and consistent across processes.
func canonicalKey(row Row) (string, error) {
	b, err := json.Marshal(row.Doc)
	if err != nil {
		return "", fmt.Errorf("row is not canonically encodable: %w", err)
	}
	return row.Key + "\x00" + string(b), nil
}

// CanonicalKey returns the total identity of a row: the index key, a zero
// byte, and the canonical JSON of the payload. Storage layers use it to
// address spine entries; a prefix of index key plus zero byte selects every
// row under that index key.
func CanonicalKey(row Row) (string, error) {
	return canonicalKey(row)
}

// Entry is a row together with its multiplicity.
type Entry struct {
	Row    Row
	Weight int64
}

// ZSet is a weighted multiset of rows. Invariant: no entry has weight zero;
// zero-weight entries are removed eagerly on every mutation.
type ZSet struct {
	rows    map[string]Row
	weights map[string]int64
}

// New creates an empty Z-set.
func New() *ZSet {
	return &ZSet{
		rows:    make(map[string]Row),
		weights: make(map[string]int64),
	}
}

// FromRows builds a Z-set from rows, each with weight 1.
func FromRows(rows ...Row) (*ZSet, error) {
	z := New()
	for i, row := range rows {
		if err := z.AddRow(row, 1); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return z, nil
}

// AddRow adds a row with the given weight in place, removing the entry if the
// resulting weight is zero.
func (z *ZSet) AddRow(row Row, weight int64) error {
	if weight == 0 {
		return nil
	}
	key, err := canonicalKey(row)
	if err != nil {
		return err
	}
	z.addByKey(key, row, weight)
	return nil
}

func (z *ZSet) addByKey(key string, row Row, weight int64) {
	if _, ok := z.weights[key]; !ok {
		z.rows[key] = row
	}
	z.weights[key] += weight
	if z.weights[key] == 0 {
		delete(z.weights, key)
		delete(z.rows, key)
	}
}

// Merge adds every entry of other into z in place.
func (z *ZSet) Merge(other *ZSet) {
	if other == nil {
		return
	}
	for key, w := range other.weights {
		z.addByKey(key, other.rows[key], w)
	}
}

// Add returns the pointwise sum of z and other as a new Z-set.
func (z *ZSet) Add(other *ZSet) *ZSet {
	result := z.Clone()
	result.Merge(other)
	return result
}

// Negate returns a new Z-set with every weight negated.
func (z *ZSet) Negate() *ZSet {
	result := New()
	for key, w := range z.weights {
		result.rows[key] = z.rows[key]
		result.weights[key] = -w
	}
	return result
}

// Distinct returns the set-semantics view: every row with positive weight maps
// to weight 1, rows with non-positive weight are dropped.
func (z *ZSet) Distinct() *ZSet {
	result := New()
	for key, w := range z.weights {
		if w > 0 {
			result.rows[key] = z.rows[key]
			result.weights[key] = 1
		}
	}
	return result
}

// Clone returns a copy sharing no map structure with z. Row payloads are not
// deep-copied; rows are treated as immutable once added.
func (z *ZSet) Clone() *ZSet {
	result := &ZSet{
		rows:    make(map[string]Row, len(z.rows)),
		weights: make(map[string]int64, len(z.weights)),
	}
	for key, row := range z.rows {
		result.rows[key] = row
		result.weights[key] = z.weights[key]
	}
	return result
}

// IsEmpty reports whether the Z-set has no entries.
func (z *ZSet) IsEmpty() bool {
	return len(z.weights) == 0
}

// Len returns the number of distinct rows.
func (z *ZSet) Len() int {
	return len(z.weights)
}

// Weight returns the multiplicity of a row, zero if absent.
func (z *ZSet) Weight(row Row) (int64, error) {
	key, err := canonicalKey(row)
	if err != nil {
		return 0, err
	}
	return z.weights[key], nil
}

// Entries returns all entries ordered by canonical row identity. The fixed
// order makes step outputs reproducible across runs and restores.
func (z *ZSet) Entries() []Entry {
	keys := make([]string, 0, len(z.weights))
	for key := range z.weights {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Entry, len(keys))
	for i, key := range keys {
		result[i] = Entry{Row: z.rows[key], Weight: z.weights[key]}
	}
	return result
}

// Equal reports whether two Z-sets hold exactly the same weighted rows.
func (z *ZSet) Equal(other *ZSet) bool {
	if other == nil {
		return z.IsEmpty()
	}
	if len(z.weights) != len(other.weights) {
		return false
	}
	for key, w := range z.weights {
		if other.weights[key] != w {
			return false
		}
	}
	return true
}

// String renders the Z-set for debugging.
func (z *ZSet) String() string {
	if z.IsEmpty() {
		return "{}"
	}
	var b strings.Builder
	b.WriteString("{")
	for i, e := range z.Entries() {
		if i > 0 {
			b.WriteString(", ")
		}
		if e.Row.Key != "" {
			fmt.Fprintf(&b, "[%s]", e.Row.Key)
		}
		fmt.Fprintf(&b, "%v x%d", map[string]any(e.Row.Doc), e.Weight)
	}
	b.WriteString("}")
	return b.String()
}
