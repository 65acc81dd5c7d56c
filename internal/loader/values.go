package loader

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"creditline/internal/domain"
	"creditline/internal/warehouse"
)

// text renders a warehouse value as a trimmed string. ok is false for nil and
// empty values.
func text(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case bool:
		s = strconv.FormatBool(t)
	case time.Time:
		s = domain.FormatTime(t)
	case fmt.Stringer:
		s = t.String()
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func optText(v any) any {
	if s, ok := text(v); ok {
		return s
	}
	return nil
}

func lowerText(v any) any {
	if s, ok := text(v); ok {
		return strings.ToLower(s)
	}
	return nil
}

func number(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.String())
		}
		return f, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", s)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("invalid number %v", v)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// timestamp normalises a warehouse timestamp into domain.TimeLayout.
func timestamp(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return domain.FormatTime(t), nil
	}
	s, ok := text(v)
	if !ok {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return domain.FormatTime(ts), nil
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		whole := int64(secs)
		return domain.FormatTime(time.Unix(whole, int64((secs-float64(whole))*1e9))), nil
	}
	return nil, fmt.Errorf("invalid timestamp %q", s)
}

func required(row warehouse.Row, col string) (string, error) {
	s, ok := text(row[col])
	if !ok {
		return "", fmt.Errorf("missing %s", col)
	}
	return s, nil
}
