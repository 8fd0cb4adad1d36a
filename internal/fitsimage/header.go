package fitsimage

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

// Header is the merged set of keyword values across all HDUs of a file.
type Header map[string]any

// mergeHeaders flattens HDU headers in file order. The first HDU carrying a
// keyword wins; compressed images keep their metadata in HDU 1 and the primary
// header only adds structural keywords.
func mergeHeaders(hdus []fitsio.HDU) Header {
	h := Header{}
	for _, hdu := range hdus {
		hdr := hdu.Header()
		if hdr == nil {
			continue
		}
		for _, key := range hdr.Keys() {
			if _, seen := h[key]; seen {
				continue
			}
			card := hdr.Get(key)
			if card == nil {
				continue
			}
			h[key] = card.Value
		}
	}
	return h
}

// Has reports whether any of the keys is present.
func (h Header) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := h[k]; ok {
			return true
		}
	}
	return false
}

// String returns the first present key as a trimmed string.
func (h Header) String(keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := h[k]
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			return strings.TrimSpace(s), true
		default:
			return fmt.Sprint(s), true
		}
	}
	return "", false
}

// Float returns the first present key converted to float64.
func (h Header) Float(keys ...string) (float64, bool, error) {
	for _, k := range keys {
		v, ok := h[k]
		if !ok {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return 0, true, fmt.Errorf("keyword %s: %w", k, err)
		}
		return f, true, nil
	}
	return 0, false, nil
}

// FloatOr returns the keyword value, or def when absent.
func (h Header) FloatOr(def float64, keys ...string) (float64, error) {
	f, ok, err := h.Float(keys...)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return f, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(x).Float64()
		return f, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(x, "D", "E")), 64)
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}
