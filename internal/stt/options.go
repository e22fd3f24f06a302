package stt

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var ErrInvalidOption = errors.New("invalid engine option")

// Options are engine configuration keys passed through to the decoder.
// Keys keep the engine's own spelling ("-samprate", "-nfft", ...).
type Options map[string]any

// ValidateOptions checks the key spelling and value types without
// interpreting them. Accepted values are strings, booleans, integers and floats.
func ValidateOptions(raw map[string]any) (Options, error) {
	opts := make(Options, len(raw))
	for key, value := range raw {
		if !strings.HasPrefix(key, "-") || len(key) < 2 {
			return nil, fmt.Errorf("%w: key %q must start with '-'", ErrInvalidOption, key)
		}
		switch v := value.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64:
			opts[key] = v
		case float32:
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("%w: %s is not finite", ErrInvalidOption, key)
			}
			opts[key] = float64(v)
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: %s is not finite", ErrInvalidOption, key)
			}
			opts[key] = v
		default:
			return nil, fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidOption, key, value)
		}
	}
	return opts, nil
}

// Int reads an integral option, falling back to def when absent or not integral.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Float reads a numeric option.
func (o Options) Float(key string, def float64) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	if n := o.Int(key, math.MinInt); n != math.MinInt {
		return float64(n)
	}
	return def
}

// Bool reads a boolean option; engines commonly spell booleans "yes"/"no".
func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "yes", "true", "1":
			return true
		case "no", "false", "0":
			return false
		}
	}
	return def
}

// Args renders the options as a sorted command line.
func (o Options) Args() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, k, formatOption(o[k]))
	}
	return args
}

func formatOption(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "yes"
		}
		return "no"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
