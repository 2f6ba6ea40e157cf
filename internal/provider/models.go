package provider

import "strings"

const (
	DefaultTTSModel = "eleven_v3"
	DefaultS2SModel = "eleven_english_sts_v2"
)

// ttsModels is the allow-list accepted from clients for text-to-speech.
var ttsModels = map[string]struct{}{
	"eleven_v3":     {},
	"eleven_ttv_v3": {},
}

var s2sModels = map[string]struct{}{
	"eleven_english_sts_v2":      {},
	"eleven_multilingual_sts_v2": {},
	"eleven_speech_to_speech_v1": {},
}

// NormalizeTTSModel returns model when it is allow-listed and fallback otherwise.
// Unknown values are not an error; they silently select the default.
func NormalizeTTSModel(model, fallback string) string {
	return normalize(ttsModels, model, fallback, DefaultTTSModel)
}

func NormalizeS2SModel(model, fallback string) string {
	return normalize(s2sModels, model, fallback, DefaultS2SModel)
}

func normalize(allowed map[string]struct{}, model, fallback, def string) string {
	model = strings.TrimSpace(model)
	if _, ok := allowed[model]; ok {
		return model
	}
	fallback = strings.TrimSpace(fallback)
	if _, ok := allowed[fallback]; ok {
		return fallback
	}
	return def
}
