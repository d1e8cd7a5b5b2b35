package utils

import (
	"regexp"
	"strings"
	"unicode"
)

var platePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[A-Z]{2}\d{2}[A-Z]{1,3}\d{1,4}$`),
	regexp.MustCompile(`^[A-Z]{2}\d{2}\d{4}$`),
	regexp.MustCompile(`^\d{2}BH\d{4}[A-Z]{1,2}$`),
	regexp.MustCompile(`^CD\d{2}\d{4}$`),
}

var stateCodes = map[string]struct{}{
	"AN": {}, "AP": {}, "AR": {}, "AS": {}, "BR": {}, "CG": {}, "CH": {}, "DD": {},
	"DL": {}, "GA": {}, "GJ": {}, "HP": {}, "HR": {}, "JH": {}, "JK": {}, "KA": {},
	"KL": {}, "LA": {}, "MH": {}, "ML": {}, "MN": {}, "MP": {}, "MZ": {}, "NL": {},
	"OD": {}, "PB": {}, "PY": {}, "RJ": {}, "SK": {}, "TN": {}, "TR": {}, "TS": {},
	"UK": {}, "UP": {}, "WB": {},
}

var toAlpha = map[rune]rune{'0': 'O', '1': 'I', '2': 'Z', '5': 'S', '8': 'B'}

var toDigit = map[rune]rune{
	'O': '0', 'I': '1', 'L': '1', 'S': '5', 'Z': '2', 'B': '8', 'G': '6', 'T': '7',
}

// NormalizePlate strips everything except letters and digits and uppercases the rest.
func NormalizePlate(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CorrectPlate fixes common OCR confusions using the AA00XX0000 layout:
// state letters, district digits, series letters, trailing four digits.
func CorrectPlate(plate string) string {
	runes := []rune(plate)
	if len(runes) < 6 {
		return plate
	}

	trailing := max(4, len(runes)-4)
	for i, r := range runes {
		switch {
		case i < 2 && unicode.IsDigit(r):
			runes[i] = swap(toAlpha, r)
		case i >= 2 && i < 4 && unicode.IsLetter(r):
			runes[i] = swap(toDigit, r)
		case i >= trailing && unicode.IsLetter(r):
			runes[i] = swap(toDigit, r)
		case i >= 4 && i < trailing && unicode.IsDigit(r):
			runes[i] = swap(toAlpha, r)
		}
	}
	return string(runes)
}

func ValidPlate(plate string) bool {
	cleaned := NormalizePlate(plate)
	for _, p := range platePatterns {
		if p.MatchString(cleaned) {
			return true
		}
	}
	return false
}

// StateCode returns the RTO state prefix, or "" when it is not a known code.
func StateCode(plate string) string {
	cleaned := NormalizePlate(plate)
	if len(cleaned) < 2 {
		return ""
	}
	if _, ok := stateCodes[cleaned[:2]]; ok {
		return cleaned[:2]
	}
	return ""
}

// ProcessPlate normalizes, corrects and validates plate text read by OCR or a cloud model.
func ProcessPlate(raw string) (plate string, valid bool) {
	cleaned := NormalizePlate(raw)
	if ValidPlate(cleaned) {
		return cleaned, true
	}
	corrected := CorrectPlate(cleaned)
	return corrected, ValidPlate(corrected)
}

func swap(table map[rune]rune, r rune) rune {
	if v, ok := table[r]; ok {
		return v
	}
	return r
}
