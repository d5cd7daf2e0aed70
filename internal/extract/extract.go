// Package extract pulls result locations and error details out of provider
// payloads. Providers disagree on response shape, so each job kind carries
// an ordered list of extractors and the first non-empty answer wins.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/genforge/api/internal/model"
)

// Func returns the result locations found in a decoded payload, or nil.
type Func func(payload map[string]any) []string

// First decodes raw and runs fns in order, returning the first non-empty
// result. A payload that is not a JSON object yields nil.
func First(raw json.RawMessage, fns []Func) []string {
	if len(raw) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	for _, fn := range fns {
		if locs := fn(payload); len(locs) > 0 {
			return locs
		}
	}
	return nil
}

// VideoURL reads {"video": {"url": ...}}.
func VideoURL(p map[string]any) []string {
	return single(urlOf(p["video"]))
}

// VideosList reads {"videos": [{"url": ...}, ...]} and keeps the first entry.
func VideosList(p map[string]any) []string {
	list, ok := p["videos"].([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	return single(urlOf(list[0]))
}

// Images reads every {"images": [{"url": ...}]} entry in order.
func Images(p map[string]any) []string {
	return urlList(p["images"])
}

// Image reads a single {"image": {"url": ...}}.
func Image(p map[string]any) []string {
	return single(urlOf(p["image"]))
}

// AudioFile reads {"audio_file": {"url"}} or {"audio": {"url"}}.
func AudioFile(p map[string]any) []string {
	if u := urlOf(p["audio_file"]); u != "" {
		return []string{u}
	}
	return single(urlOf(p["audio"]))
}

// AudioURL reads a flat {"audio_url": "..."}.
func AudioURL(p map[string]any) []string {
	s, _ := p["audio_url"].(string)
	return single(s)
}

// nested are the shapes recognised inside an "output" object.
var nested = []Func{VideoURL, VideosList, Images, Image, AudioFile, AudioURL}

// Output reads the generic "output" field, which may be a string, a list of
// strings or url objects, or an object wrapping any of the other shapes.
func Output(p map[string]any) []string {
	switch out := p["output"].(type) {
	case string:
		return single(out)
	case map[string]any:
		for _, fn := range nested {
			if locs := fn(out); len(locs) > 0 {
				return locs
			}
		}
		return single(urlOf(out))
	case []any:
		return urlList(out)
	}
	return nil
}

// URL reads a bare top-level {"url": "..."}.
func URL(p map[string]any) []string {
	s, _ := p["url"].(string)
	return single(s)
}

// urlOf returns v when it is a non-empty string, or v["url"] when v is an object.
func urlOf(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		s, _ := t["url"].(string)
		return strings.TrimSpace(s)
	}
	return ""
}

func urlList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		if u := urlOf(item); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func single(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// FieldErrors reads per-field validation complaints from
// {"detail": [{"loc": ["body", "prompt"], "msg": "..."}]}.
func FieldErrors(raw json.RawMessage) []model.FieldError {
	if len(raw) == 0 {
		return nil
	}
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return nil
	}
	var details []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body.Detail, &details); err != nil {
		return nil
	}

	out := make([]model.FieldError, 0, len(details))
	for _, d := range details {
		parts := make([]string, 0, len(d.Loc))
		for _, l := range d.Loc {
			parts = append(parts, fmt.Sprint(l))
		}
		out = append(out, model.FieldError{Field: strings.Join(parts, "."), Message: d.Msg})
	}
	return out
}

// ErrorMessage joins the provider's top-level error, its payload_error and
// any per-field details into one message.
func ErrorMessage(topLevel, payloadError string, fields []model.FieldError) string {
	var parts []string
	if s := strings.TrimSpace(topLevel); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(payloadError); s != "" && s != strings.TrimSpace(topLevel) {
		parts = append(parts, s)
	}
	for _, f := range fields {
		if f.Field != "" {
			parts = append(parts, f.Field+": "+f.Message)
		} else {
			parts = append(parts, f.Message)
		}
	}
	if len(parts) == 0 {
		return "provider reported an error"
	}
	return strings.Join(parts, "; ")
}
