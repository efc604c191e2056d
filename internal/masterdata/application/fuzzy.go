package application

import (
	"strings"
	"unicode"

	masterdata "powermeter-cloud/internal/masterdata/domain"
)

// fuzzyCandidate picks the single enabled physical device the incoming name
// most likely refers to after a vendor rename. A device matches when both
// carry the same non-empty serial, or, with compatible serials, when its
// normalized name equals the incoming one or its name words lead the
// incoming name ("Inverter 1" for "Inverter 1 (A)", not for "Inverter 10").
// Ambiguous matches return nil.
func fuzzyCandidate(devices []masterdata.Device, deviceName, serial string) *masterdata.Device {
	incoming := masterdata.NormalizeName(deviceName)
	incomingWords := nameWords(deviceName)
	var match *masterdata.Device
	for i := range devices {
		candidate := devices[i]
		if candidate.Disabled || !candidate.Physical() || candidate.DeviceName == deviceName {
			continue
		}
		if !fuzzyMatches(candidate, incoming, incomingWords, serial) {
			continue
		}
		if match != nil {
			return nil
		}
		match = &devices[i]
	}
	return match
}

func fuzzyMatches(candidate masterdata.Device, incomingName string, incomingWords []string, serial string) bool {
	if serial != "" && candidate.SerialNumber != "" {
		return serial == candidate.SerialNumber
	}
	name := masterdata.NormalizeName(candidate.DeviceName)
	if name == "" {
		return false
	}
	return name == incomingName || leadingWords(nameWords(candidate.DeviceName), incomingWords)
}

func nameWords(name string) []string {
	return strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func leadingWords(prefix, words []string) bool {
	if len(prefix) == 0 || len(prefix) >= len(words) {
		return false
	}
	for i, word := range prefix {
		if words[i] != word {
			return false
		}
	}
	return true
}
