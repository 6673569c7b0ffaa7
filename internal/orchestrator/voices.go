package orchestrator

import "github.com/parlance-dev/parlance/pkg/provider/tts"

// voiceTable maps target languages to their neural synthesis voice. A
// language missing here cannot be synthesized; listeners on it receive
// nothing and the gap shows up in the provider error metrics at join time.
var voiceTable = map[string]tts.Voice{
	"ar": {ID: "ar-XA-neural-amina", Language: "ar", Neural: true},
	"de": {ID: "de-DE-neural-katja", Language: "de", Neural: true},
	"en": {ID: "en-US-neural-aria", Language: "en", Neural: true},
	"es": {ID: "es-ES-neural-elvira", Language: "es", Neural: true},
	"fr": {ID: "fr-FR-neural-denise", Language: "fr", Neural: true},
	"hi": {ID: "hi-IN-neural-swara", Language: "hi", Neural: true},
	"it": {ID: "it-IT-neural-elsa", Language: "it", Neural: true},
	"ja": {ID: "ja-JP-neural-nanami", Language: "ja", Neural: true},
	"ko": {ID: "ko-KR-neural-sunhi", Language: "ko", Neural: true},
	"pt": {ID: "pt-BR-neural-francisca", Language: "pt", Neural: true},
	"ru": {ID: "ru-RU-neural-svetlana", Language: "ru", Neural: true},
	"zh": {ID: "zh-CN-neural-xiaoxiao", Language: "zh", Neural: true},
}

// voiceFor returns the synthesis voice for a target language.
func voiceFor(language string) (tts.Voice, bool) {
	v, ok := voiceTable[language]
	return v, ok
}

// SupportedLanguage reports whether lang has a synthesis voice. The ingress
// layer checks this before letting a listener join on a language nothing
// could ever speak.
func SupportedLanguage(lang string) bool {
	_, ok := voiceTable[lang]
	return ok
}
