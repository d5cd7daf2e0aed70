package service

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/genforge/api/internal/extract"
	"github.com/genforge/api/internal/model"
)

// Pricing holds base token costs before the plan multiplier.
type Pricing struct {
	ImagePerImage    int64
	VideoPerSecond   int64
	AudioPerSecond   int64
	DocumentPerChunk int64
}

// kindSpec is everything kind-specific about a job: how its params are
// checked, priced, turned into provider requests and read back.
type kindSpec struct {
	// params reports whether the block matching the kind is present.
	params func(req *model.SubmitRequest) bool
	// baseCost prices the request before the plan multiplier.
	baseCost func(req *model.SubmitRequest, p Pricing, chunks int) int64
	// inputs returns one provider input per provider request.
	inputs     func(req *model.SubmitRequest, chunkSize int) []map[string]any
	extractors []extract.Func
	// chunked kinds fan out into one chunk row per input.
	chunked bool
}

var kinds = map[model.JobKind]kindSpec{
	model.JobKindImage: {
		params: func(r *model.SubmitRequest) bool { return r.Image != nil },
		baseCost: func(r *model.SubmitRequest, p Pricing, _ int) int64 {
			return p.ImagePerImage * int64(numImages(r.Image))
		},
		inputs: func(r *model.SubmitRequest, _ int) []map[string]any {
			in := map[string]any{
				"prompt":     r.Image.Prompt,
				"num_images": numImages(r.Image),
			}
			if r.Image.ImageSize != "" {
				in["image_size"] = r.Image.ImageSize
			}
			if r.Image.NegativePrompt != "" {
				in["negative_prompt"] = r.Image.NegativePrompt
			}
			if r.Image.Seed != nil {
				in["seed"] = *r.Image.Seed
			}
			return []map[string]any{in}
		},
		extractors: []extract.Func{extract.Images, extract.Image, extract.Output, extract.URL},
	},
	model.JobKindVideo: {
		params: func(r *model.SubmitRequest) bool { return r.Video != nil },
		baseCost: func(r *model.SubmitRequest, p Pricing, _ int) int64 {
			return p.VideoPerSecond * int64(r.Video.DurationSeconds)
		},
		inputs: func(r *model.SubmitRequest, _ int) []map[string]any {
			in := map[string]any{
				"prompt":   r.Video.Prompt,
				"duration": r.Video.DurationSeconds,
			}
			if r.Video.AspectRatio != "" {
				in["aspect_ratio"] = r.Video.AspectRatio
			}
			if r.Video.ImageURL != "" {
				in["image_url"] = r.Video.ImageURL
			}
			return []map[string]any{in}
		},
		extractors: []extract.Func{extract.VideoURL, extract.VideosList, extract.Output, extract.URL},
	},
	model.JobKindAudio: {
		params: func(r *model.SubmitRequest) bool { return r.Audio != nil },
		baseCost: func(r *model.SubmitRequest, p Pricing, _ int) int64 {
			return p.AudioPerSecond * int64(r.Audio.DurationSeconds)
		},
		inputs: func(r *model.SubmitRequest, _ int) []map[string]any {
			return []map[string]any{{
				"prompt":        r.Audio.Prompt,
				"seconds_total": r.Audio.DurationSeconds,
			}}
		},
		extractors: []extract.Func{extract.AudioFile, extract.AudioURL, extract.Output, extract.URL},
	},
	model.JobKindDocument: {
		params: func(r *model.SubmitRequest) bool { return r.Document != nil },
		baseCost: func(_ *model.SubmitRequest, p Pricing, chunks int) int64 {
			return p.DocumentPerChunk * int64(chunks)
		},
		inputs: func(r *model.SubmitRequest, chunkSize int) []map[string]any {
			parts := splitText(r.Document.Text, chunkSize)
			out := make([]map[string]any, 0, len(parts))
			for _, part := range parts {
				in := map[string]any{"prompt": part}
				if r.Document.Voice != "" {
					in["voice"] = r.Document.Voice
				}
				out = append(out, in)
			}
			return out
		},
		extractors: []extract.Func{extract.AudioFile, extract.AudioURL, extract.Output, extract.URL},
		chunked:    true,
	},
}

func numImages(p *model.ImageParams) int {
	if p.NumImages <= 0 {
		return 1
	}
	return p.NumImages
}

// checkParams verifies exactly one params block is set and that it matches kind.
func checkParams(req *model.SubmitRequest) error {
	spec, ok := kinds[req.Kind]
	if !ok {
		return newValidationError("unknown job kind", model.FieldError{Field: "kind", Message: "must be one of image, video, audio, document"})
	}
	set := 0
	for _, present := range []bool{req.Image != nil, req.Video != nil, req.Audio != nil, req.Document != nil} {
		if present {
			set++
		}
	}
	if !spec.params(req) {
		return newValidationError("missing parameters for kind", model.FieldError{Field: string(req.Kind), Message: "required for kind " + string(req.Kind)})
	}
	if set != 1 {
		return newValidationError("conflicting parameters", model.FieldError{Field: "kind", Message: "exactly one parameter block must be set"})
	}
	if req.Document != nil && strings.TrimSpace(req.Document.Text) == "" {
		return newValidationError("empty document", model.FieldError{Field: "document.text", Message: "must not be blank"})
	}
	return nil
}

// splitText cuts text into pieces of at most size runes, preferring to cut
// after sentence punctuation, then at whitespace.
func splitText(text string, size int) []string {
	text = strings.TrimSpace(text)
	if size <= 0 || utf8.RuneCountInString(text) <= size {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var out []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= size {
			out = appendTrimmed(out, string(runes))
			break
		}
		cut := breakPoint(runes[:size])
		out = appendTrimmed(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	return out
}

func breakPoint(window []rune) int {
	// Don't cut so early that chunks become tiny.
	floor := len(window) / 2
	for i := len(window) - 1; i >= floor; i-- {
		switch window[i] {
		case '.', '!', '?', '\n':
			return i + 1
		}
	}
	for i := len(window) - 1; i >= floor; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return len(window)
}

func appendTrimmed(out []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}
