package prompt

import (
	"regexp"
	"strings"
)

// Request is the parsed form of one free-text generation request.
// Negative is nil when the user gave no negative prompt at all; callers
// substitute their own default in that case.
type Request struct {
	Positive string
	Negative *string
	Params   map[string]string
}

// DefaultPrompt is substituted when the positive prompt parses to nothing.
const DefaultPrompt = "enhance"

// Vocabulary is the closed set of key:value parameter names recognized in
// free text. "neg" is deliberately not in it: the negative prompt is cut
// off by the text split below, so a comma never ends it the way it would
// end a scanned parameter value.
var Vocabulary = []string{
	"steps", "cfg", "batch", "hr", "width", "height", "model", "noneg",
	"sampler_name", "scheduler", "depth", "colorize", "method",
	"frames", "speed",
}

var commaspacing = regexp.MustCompile(`\s*,\s*`)

// Parse scans raw text for key:value parameter tokens from the vocabulary,
// removes them, splits the remaining text on "neg:" into positive and
// negative prompts, and normalizes spacing. Unknown word:value shaped text
// stays inside the prompt. A value extends over following words until a
// comma, another word:-shaped token, or end of string; values containing a
// substring shaped like a key can therefore truncate early, which is the
// documented behavior, not a defect to fix here.
func Parse(raw string) Request {
	params := map[string]string{}
	words := strings.Fields(strings.TrimSpace(raw))
	kept := []string{}

	i := 0
	for i < len(words) {
		key, first, ok := splitKey(words[i])
		if ok == false {
			kept = append(kept, words[i])
			i++
			continue
		}
		i++
		vals := []string{}
		rest := ""
		stop := false
		if first != "" {
			v, r, cut := cutComma(first)
			if v != "" {
				vals = append(vals, v)
			}
			rest = r
			stop = cut
		}
		for stop == false && i < len(words) {
			if paramShaped(words[i]) {
				break
			}
			v, r, cut := cutComma(words[i])
			if v != "" {
				vals = append(vals, v)
			}
			rest = r
			stop = cut
			i++
		}
		params[key] = strings.Join(vals, " ")
		if rest != "" {
			kept = append(kept, rest)
		}
	}

	text := strings.TrimSpace(commaspacing.ReplaceAllString(strings.Join(kept, " "), ", "))
	text = strings.Trim(text, ", ")

	positive := text
	var negative *string
	if idx := indexNegMarker(text); idx >= 0 {
		positive = strings.TrimSpace(text[:idx])
		positive = strings.Trim(positive, ", ")
		n := strings.TrimSpace(text[idx+len("neg:"):])
		negative = &n
	}

	if negparam, ok := params["neg"]; ok {
		if negative != nil && *negative != "" {
			merged := negparam + ", " + *negative
			negative = &merged
		} else {
			negative = &negparam
		}
		delete(params, "neg")
	}

	if positive == "" {
		positive = DefaultPrompt
	}
	return Request{Positive: positive, Negative: negative, Params: params}
}

// splitKey returns the lowercased vocabulary key and the text following the
// colon when the word starts a recognized parameter token.
func splitKey(word string) (string, string, bool) {
	idx := strings.Index(word, ":")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.ToLower(word[:idx])
	for _, v := range Vocabulary {
		if key == v {
			return key, word[idx+1:], true
		}
	}
	return "", "", false
}

// paramShaped reports whether the word looks like any key:value token,
// recognized or not. Values never extend past one.
func paramShaped(word string) bool {
	idx := strings.Index(word, ":")
	if idx <= 0 {
		return false
	}
	for _, c := range word[:idx] {
		if c != '_' && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// cutComma splits a value word at its first comma. cut reports that the
// value ends here; rest is the trailing text that stays in the prompt.
func cutComma(word string) (val string, rest string, cut bool) {
	idx := strings.Index(word, ",")
	if idx < 0 {
		return word, "", false
	}
	return word[:idx], strings.TrimLeft(word[idx+1:], ","), true
}

func indexNegMarker(text string) int {
	return strings.Index(strings.ToLower(text), "neg:")
}
