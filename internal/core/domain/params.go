package domain

import (
	"fmt"
	"strconv"

	"github.com/mohae/deepcopy"
)

// Params is a correctable parameter bag: the retry surface of an operation.
// Only keys present in the bag may be revised by a correction step or an operator.
type Params map[string]any

// Clone returns a deep copy so callers never share nested maps or slices.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	return deepcopy.Copy(p).(Params)
}

// String returns the value at key rendered as a string, or "" when absent.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the value at key as an int. JSON numbers arrive as float64.
func (p Params) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}
