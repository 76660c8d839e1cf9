package translate

import (
	"fmt"
	"strings"
)

// AutoDetect as the source language asks the model to detect it.
const AutoDetect = "auto"

// BuildPrompt renders the instruction sent to the model. The output is meant
// to be returned as-is, so the prompt forbids commentary and quoting.
func BuildPrompt(text, source, target string) string {
	var b strings.Builder
	if strings.EqualFold(source, AutoDetect) || source == "" {
		fmt.Fprintf(&b, "Detect the language of the following text and translate it into %s.\n", target)
	} else {
		fmt.Fprintf(&b, "Translate the following text from %s into %s.\n", source, target)
	}
	b.WriteString("Reply with the translation only: no explanations, notes, alternatives or surrounding quotes. ")
	b.WriteString("Preserve line breaks, punctuation and formatting.\n\n")
	b.WriteString(text)
	return b.String()
}
