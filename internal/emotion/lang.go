package emotion

import "unicode"

// Script tags stored in the context tracker.
const (
	ScriptLatin      = "latin"
	ScriptDevanagari = "devanagari"
	ScriptOther      = "non-latin"
	ScriptMixed      = "mixed"
)

// DetectScript classifies the letters of text by script. Text without
// letters yields "".
func DetectScript(text string) string {
	var latin, deva, other int
	for _, r := range text {
		switch {
		case !unicode.IsLetter(r):
		case unicode.Is(unicode.Devanagari, r):
			deva++
		case unicode.Is(unicode.Latin, r):
			latin++
		default:
			other++
		}
	}
	nonLatin := deva + other
	total := latin + nonLatin
	switch {
	case total == 0:
		return ""
	case latin > 0 && nonLatin > 0 && minInt(latin, nonLatin)*5 >= total:
		return ScriptMixed
	case deva >= other && deva > latin:
		return ScriptDevanagari
	case other > latin:
		return ScriptOther
	default:
		return ScriptLatin
	}
}

func languageHint(script string) string {
	switch script {
	case ScriptDevanagari:
		return "They write in Devanagari script; a warm Hindi or Hinglish flavour fits."
	case ScriptMixed:
		return "They mix scripts; mirror their code-switching lightly."
	case ScriptOther:
		return "They write in a non-Latin script; answer in the same language."
	case ScriptLatin:
		return "They write in Latin script; keep replies casual."
	default:
		return ""
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
