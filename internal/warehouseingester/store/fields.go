package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/datahaul/datahaul/internal/common/haulerrors"
)

// Accessors for decoded json payloads.  Numbers may arrive as json.Number, float64 or numeric strings.

func requiredString(payload map[string]any, field string) (string, error) {
	v, ok := payload[field]
	if !ok || v == nil {
		return "", &haulerrors.ErrMissingField{Name: field}
	}
	switch s := v.(type) {
	case string:
		if s == "" {
			return "", &haulerrors.ErrMissingField{Name: field}
		}
		return s, nil
	case json.Number:
		return s.String(), nil
	default:
		return "", &haulerrors.ErrInvalidArgument{Name: field, Value: v, Message: "expected a string"}
	}
}

// requiredVarchar is requiredString for a varchar(maxLen) column
func requiredVarchar(payload map[string]any, field string, maxLen int) (string, error) {
	s, err := requiredString(payload, field)
	if err != nil {
		return "", err
	}
	if err := checkText(field, s, maxLen); err != nil {
		return "", err
	}
	return s, nil
}

// checkText rejects strings postgres would refuse to store.  A maxLen of zero means unbounded.
func checkText(field string, s string, maxLen int) error {
	if strings.ContainsRune(s, 0) {
		return &haulerrors.ErrInvalidArgument{Name: field, Value: s, Message: "contains a NUL character"}
	}
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		return &haulerrors.ErrInvalidArgument{
			Name:    field,
			Value:   s,
			Message: fmt.Sprintf("longer than %d characters", maxLen),
		}
	}
	return nil
}

// The optional accessors return an untyped nil for absent fields so that they are written as NULL

func optionalString(payload map[string]any, field string) (any, error) {
	if v, ok := payload[field]; !ok || v == nil || v == "" {
		return nil, nil
	}
	s, err := requiredString(payload, field)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// requiredTime accepts RFC3339 timestamps, with or without fractional seconds or a zone.  Timestamps without a
// zone are taken to be UTC.
func requiredTime(payload map[string]any, field string) (time.Time, error) {
	s, err := requiredString(payload, field)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &haulerrors.ErrInvalidArgument{Name: field, Value: s, Message: "expected an ISO 8601 timestamp"}
}

func optionalVarchar(payload map[string]any, field string, maxLen int) (any, error) {
	v, err := optionalString(payload, field)
	if err != nil {
		return nil, err
	}
	if s, ok := v.(string); ok {
		if err := checkText(field, s, maxLen); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func optionalTime(payload map[string]any, field string) (any, error) {
	if v, ok := payload[field]; !ok || v == nil || v == "" {
		return nil, nil
	}
	t, err := requiredTime(payload, field)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func requiredFloat(payload map[string]any, field string) (float64, error) {
	v, ok := payload[field]
	if !ok || v == nil {
		return 0, &haulerrors.ErrMissingField{Name: field}
	}
	var f float64
	var err error
	switch n := v.(type) {
	case json.Number:
		f, err = n.Float64()
	case float64:
		f = n
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		err = strconv.ErrSyntax
	}
	if err != nil {
		return 0, &haulerrors.ErrInvalidArgument{Name: field, Value: v, Message: "expected a number"}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &haulerrors.ErrInvalidArgument{Name: field, Value: v, Message: "expected a finite number"}
	}
	return f, nil
}

// requiredNumeric is requiredFloat for a numeric(precision, scale) column.  The value is checked after rounding
// to scale digits, as postgres rounds before checking the precision.
func requiredNumeric(payload map[string]any, field string, precision int, scale int) (float64, error) {
	f, err := requiredFloat(payload, field)
	if err != nil {
		return 0, err
	}
	unit := math.Pow10(scale)
	if math.Abs(math.Round(f*unit)/unit) >= math.Pow10(precision-scale) {
		return 0, &haulerrors.ErrInvalidArgument{
			Name:    field,
			Value:   f,
			Message: fmt.Sprintf("does not fit numeric(%d, %d)", precision, scale),
		}
	}
	return f, nil
}

func optionalFloat(payload map[string]any, field string) (any, error) {
	if v, ok := payload[field]; !ok || v == nil || v == "" {
		return nil, nil
	}
	f, err := requiredFloat(payload, field)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func requiredInt(payload map[string]any, field string) (int64, error) {
	v, ok := payload[field]
	if !ok || v == nil {
		return 0, &haulerrors.ErrMissingField{Name: field}
	}
	var i int64
	var err error
	switch n := v.(type) {
	case json.Number:
		i, err = n.Int64()
	case float64:
		i = int64(n)
		if float64(i) != n {
			err = strconv.ErrSyntax
		}
	case string:
		i, err = strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		err = strconv.ErrSyntax
	}
	if err != nil {
		return 0, &haulerrors.ErrInvalidArgument{Name: field, Value: v, Message: "expected an integer"}
	}
	return i, nil
}

// requiredInt32 is requiredInt for an integer column
func requiredInt32(payload map[string]any, field string) (int64, error) {
	i, err := requiredInt(payload, field)
	if err != nil {
		return 0, err
	}
	return i, checkInt32(field, i)
}

func checkInt32(field string, i int64) error {
	if i < math.MinInt32 || i > math.MaxInt32 {
		return &haulerrors.ErrInvalidArgument{Name: field, Value: i, Message: "out of range for a 32 bit integer"}
	}
	return nil
}

func intOrDefault(payload map[string]any, field string, def int64) (int64, error) {
	if v, ok := payload[field]; !ok || v == nil {
		return def, nil
	}
	return requiredInt(payload, field)
}
