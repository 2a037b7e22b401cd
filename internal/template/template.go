// Package template adapts raw dataset records into model-ready conversation
// pairs. A template knows the column layout of one dataset family; the rest
// of the pipeline treats records as opaque.
package template

import (
	"fmt"
	"image"
	"sort"

	"github.com/lamim/prefbatch/pkg/models"
)

// Template formats one raw record into a (better, worse) conversation pair
// plus its meta info.
type Template interface {
	Name() string
	FormatPreferenceSample(rec models.RawRecord) (better, worse string, meta models.MetaInfo, err error)
}

// EqualChecker is the optional capability of recognizing records whose two
// responses are effectively equal and therefore useless as a preference
// pair.
type EqualChecker interface {
	CheckEqual(rec models.RawRecord) bool
}

// ValidationChecker is the optional capability of rescuing records that
// failed the equality check but are still usable, e.g. because an explicit
// vote marks one response as better.
type ValidationChecker interface {
	CheckValidation(rec models.RawRecord) bool
}

// EqualPredicate returns the template's equality check, or nil when the
// template does not provide one. FuncTemplate capabilities are read from its
// nullable function fields so that a nil field means "absent".
func EqualPredicate(t Template) func(models.RawRecord) bool {
	if ft, ok := t.(*FuncTemplate); ok {
		return ft.CheckEqualFn
	}
	if ec, ok := t.(EqualChecker); ok {
		return ec.CheckEqual
	}
	return nil
}

// ValidationPredicate returns the template's validation check, or nil when
// the template does not provide one.
func ValidationPredicate(t Template) func(models.RawRecord) bool {
	if ft, ok := t.(*FuncTemplate); ok {
		return ft.CheckValidationFn
	}
	if vc, ok := t.(ValidationChecker); ok {
		return vc.CheckValidation
	}
	return nil
}

// FuncTemplate builds a template out of plain functions. The two predicate
// fields are optional; leaving one nil means the capability is absent.
type FuncTemplate struct {
	TemplateName      string
	FormatFn          func(rec models.RawRecord) (string, string, models.MetaInfo, error)
	CheckEqualFn      func(rec models.RawRecord) bool
	CheckValidationFn func(rec models.RawRecord) bool
}

func (t *FuncTemplate) Name() string { return t.TemplateName }

func (t *FuncTemplate) FormatPreferenceSample(rec models.RawRecord) (string, string, models.MetaInfo, error) {
	if t.FormatFn == nil {
		return "", "", models.MetaInfo{}, fmt.Errorf("template %s has no format function", t.TemplateName)
	}
	return t.FormatFn(rec)
}

var registry = map[string]func() Template{
	"prompt-pair":   func() Template { return &PromptPairTemplate{} },
	"response-vote": func() Template { return &ResponseVoteTemplate{} },
	"safety-pair":   func() Template { return &SafetyPairTemplate{} },
}

// Lookup returns a fresh template instance for a registered name.
func Lookup(name string) (Template, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown template %q (known: %v)", name, Names())
	}
	return ctor(), nil
}

// Names lists the registered template names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stringField reads a required string column. A missing or non-string value
// is a fatal per-record error that surfaces to the caller.
func stringField(rec models.RawRecord, key string) (string, error) {
	v, ok := rec[key]
	if !ok {
		return "", fmt.Errorf("record is missing key %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("record key %q is %T, expected string", key, v)
	}
	return s, nil
}

// imageField reads the optional image column.
func imageField(rec models.RawRecord) image.Image {
	if v, ok := rec["image"]; ok {
		if img, ok := v.(image.Image); ok {
			return img
		}
	}
	return nil
}

// intField reads a numeric column, accepting the float64 that encoding/json
// produces for JSON numbers.
func intField(rec models.RawRecord, key string) (int, bool) {
	switch v := rec[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
