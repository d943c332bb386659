package rewrite

import (
	"strconv"
	"strings"
)

// NarrowAcceptEncoding keeps the codings of an Accept-Encoding header that
// the rewriter can decode, preserving order and quality values. A wildcard
// expands to every supported coding the header does not refuse with q=0.
// When nothing usable remains, identity is requested.
func NarrowAcceptEncoding(header string) string {
	if strings.TrimSpace(header) == "" {
		return ""
	}
	type element struct {
		coding     string
		parameters string
	}
	var elements []element
	refused := make(map[string]bool)
	for _, value := range strings.Split(header, ",") {
		coding, parameters, _ := strings.Cut(strings.TrimSpace(value), ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding == "" {
			continue
		}
		if rejected(parameters) {
			refused[coding] = true
			continue
		}
		elements = append(elements, element{coding, strings.TrimSpace(parameters)})
	}
	var accepted []string
	seen := make(map[string]bool)
	for _, current := range elements {
		var candidates []string
		if current.coding == "*" {
			candidates = SupportedEncodings
		} else if _, loaded := lookupCodec(current.coding); loaded {
			candidates = []string{current.coding}
		}
		for _, candidate := range candidates {
			if seen[candidate] || refused[candidate] {
				continue
			}
			seen[candidate] = true
			if current.parameters != "" {
				candidate += ";" + current.parameters
			}
			accepted = append(accepted, candidate)
		}
	}
	if len(accepted) == 0 {
		return EncodingIdentity
	}
	return strings.Join(accepted, ", ")
}

func rejected(parameters string) bool {
	for _, parameter := range strings.Split(parameters, ";") {
		key, value, found := strings.Cut(strings.TrimSpace(parameter), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(key), "q") {
			continue
		}
		quality, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return err != nil || quality <= 0
	}
	return false
}

