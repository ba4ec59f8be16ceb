package dialogue

import (
	"regexp"
	"strconv"
	"strings"
)

// Patterns applied by NormalizeForSpeech, most specific first.
var (
	dollarsCentsRe = regexp.MustCompile(`\$(\d+)\.(\d{2})`)
	dollarsRe      = regexp.MustCompile(`\$(\d+)`)
	percentRe      = regexp.MustCompile(`(\d+)%`)
	phoneRe        = regexp.MustCompile(`\b(\d{3})[-.\s]?(\d{3})[-.\s]?(\d{4})\b`)
	integerRe      = regexp.MustCompile(`\b(\d+)\b`)
)

// NormalizeForSpeech rewrites text so a TTS voice reads prices, percentages,
// phone numbers, and small integers naturally instead of spelling raw digits.
// The transformation is idempotent: its own output passes through unchanged.
func NormalizeForSpeech(text string) string {
	text = phoneRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := phoneRe.FindStringSubmatch(m)
		return spellDigits(groups[1]) + ", " + spellDigits(groups[2]) + ", " + spellDigits(groups[3])
	})

	text = dollarsCentsRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := dollarsCentsRe.FindStringSubmatch(m)
		return spellNumber(groups[1]) + " dollars and " + spellNumber(groups[2]) + " cents"
	})

	text = dollarsRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := dollarsRe.FindStringSubmatch(m)
		return spellNumber(groups[1]) + " dollars"
	})

	text = percentRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := percentRe.FindStringSubmatch(m)
		return spellNumber(groups[1]) + " percent"
	})

	// Remaining small integers become words; 100 and up stay as digits.
	text = integerRe.ReplaceAllStringFunc(text, func(m string) string {
		n, err := strconv.Atoi(m)
		if err != nil || n < 1 || n > 99 {
			return m
		}
		return numberWords(n)
	})

	return text
}

// spellDigits reads a digit string one digit at a time ("555" → "five five five").
func spellDigits(digits string) string {
	words := make([]string, 0, len(digits))
	for _, d := range digits {
		words = append(words, numberWords(int(d-'0')))
	}
	return strings.Join(words, " ")
}

// spellNumber converts a digit string to words when below 100, otherwise keeps
// the digits.
func spellNumber(digits string) string {
	n, err := strconv.Atoi(digits)
	if err != nil || n > 99 {
		return digits
	}
	return numberWords(n)
}

var ones = []string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
	"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
	"seventeen", "eighteen", "nineteen",
}

var tens = []string{
	"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety",
}

// numberWords renders 0–99 as English words.
func numberWords(n int) string {
	switch {
	case n < 20:
		return ones[n]
	case n%10 == 0:
		return tens[n/10]
	default:
		return tens[n/10] + " " + ones[n%10]
	}
}
