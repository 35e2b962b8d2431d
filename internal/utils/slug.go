package utils

import (
	"strings"
	"unicode"
)

// cyrillic-to-latin transliteration table for slugging Russian/Uzbek titles
var translitMap = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ё': "yo",
	'ж': "zh", 'з': "z", 'и': "i", 'й': "y", 'к': "k", 'л': "l", 'м': "m",
	'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "kh", 'ц': "ts", 'ч': "ch", 'ш': "sh", 'щ': "shch",
	'ъ': "", 'ы': "y", 'ь': "", 'э': "e", 'ю': "yu", 'я': "ya",
	'ў': "o", 'қ': "q", 'ғ': "g", 'ҳ': "h",
}

// Slugify turns a title into a URL-safe slug: lowercase ASCII letters,
// digits and single hyphens. Cyrillic input is transliterated. Uniqueness
// (the "-2", "-3" suffixes) is the caller's problem.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen

	for _, r := range strings.ToLower(s) {
		var chunk string
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			chunk = string(r)
		case unicode.Is(unicode.Cyrillic, r):
			chunk = translitMap[r]
		}
		if chunk == "" {
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
			continue
		}
		b.WriteString(chunk)
		lastHyphen = false
	}

	return strings.Trim(b.String(), "-")
}
