// Package lang classifies short utterances as English, Urdu or Hindi.
//
// Classification combines the share of native-script characters (Arabic
// script for Urdu, Devanagari for Hindi) with the share of common romanised
// Urdu/Hindi words, so "kya haal hai" is recognised as Urdu even though it
// is written in Latin letters.
package lang

import (
	"strings"
	"unicode"
)

// Supported language codes.
const (
	English = "en"
	Urdu    = "ur"
	Hindi   = "hi"
)

const (
	scriptThreshold = 20.0
	romanThreshold  = 25.0
	romanWeight     = 0.5
)

const (
	urduScript  = "ءآأؤإئابتثجحخدذرزسشصضطظعغفقكلمنهوىي۰۱۲۳۴۵۶۷۸۹"
	hindiScript = "अआइईउऊएऐओऔऋकखगघचछजझटठडढणतथदधनपफबभमयरलवशषसह०१२३४५६७८९"
)

var romanUrdu = wordSet(`
	kia kya kaisa kese kaise kyun kyu kab kahan kis kaun
	haal hal tumhara tumhari tumharay tum aap apka apki
	mein main hain hai ho hona hoga hogi thay the
	nahi nhi na bhi se ke ka ki ko par pe
	aur or ya yaa toh to tha thi raha rahi rahe
	chahiye chahye karna kare karo karein bolo bol batao
	achha acha theek thik theak bilkul zaroor zror
	sab sabse sabko sabka sabki
	mera meri mere hamara hamari hamare uska uski uske
	yeh ye woh wo is us in un inke unke iski
	kuch kuchh bahut bohat zyada zada kam kum
	yahan wahan jahan abhi ab pehle baad phir fir
	sunao kaho kar`)

var romanHindi = wordSet(`
	kaisa kaise kyun kab kahan kis kaun kya
	hal tumhara tumhari tum aap apka apki
	main hain hai ho hona hoga hogi the thay
	nahi nhi na bhi se ke ka ki ko par pe
	aur ya toh to tha thi raha rahi rahe
	chahiye karna kare karo batao bolo
	achha thik bilkul sab mera meri uska uski`)

func wordSet(s string) map[string]struct{} {
	m := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		m[w] = struct{}{}
	}
	return m
}

// Detect returns [Urdu], [Hindi] or [English] for text. Empty text is English.
func Detect(text string) string {
	clean := strings.ToLower(strings.TrimSpace(text))
	if clean == "" {
		return English
	}

	var total, urdu, hindi int
	for _, r := range clean {
		isUrdu := strings.ContainsRune(urduScript, r)
		isHindi := strings.ContainsRune(hindiScript, r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) || isUrdu || isHindi {
			total++
		}
		if isUrdu {
			urdu++
		}
		if isHindi {
			hindi++
		}
	}

	words := strings.Fields(clean)
	var ru, rh int
	for _, w := range words {
		if _, ok := romanUrdu[w]; ok {
			ru++
		}
		if _, ok := romanHindi[w]; ok {
			rh++
		}
	}

	urduPct := percent(urdu, total)
	hindiPct := percent(hindi, total)
	romanUrduPct := percent(ru, len(words))
	romanHindiPct := percent(rh, len(words))

	switch {
	case urduPct+romanUrduPct*romanWeight >= scriptThreshold || romanUrduPct >= romanThreshold:
		return Urdu
	case hindiPct+romanHindiPct*romanWeight >= scriptThreshold || romanHindiPct >= romanThreshold:
		return Hindi
	default:
		return English
	}
}

// HasNativeScript reports whether text contains any native-script letter for
// code. English always reports false.
func HasNativeScript(code, text string) bool {
	var script string
	switch code {
	case Urdu:
		script = urduScript
	case Hindi:
		script = hindiScript
	default:
		return false
	}
	return strings.ContainsAny(text, script)
}

// Normalize maps a provider language tag such as "en-US" or "ur" to one of
// the supported codes. Unknown tags map to fallback.
func Normalize(tag, fallback string) string {
	t := strings.ToLower(tag)
	switch {
	case strings.HasPrefix(t, Urdu):
		return Urdu
	case strings.HasPrefix(t, Hindi):
		return Hindi
	case strings.HasPrefix(t, English):
		return English
	}
	return fallback
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
