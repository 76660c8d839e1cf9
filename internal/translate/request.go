package translate

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/keithlinneman/linnemanlabs-translate/internal/xerrors"
)

const (
	MaxTextRunes    = 5000
	maxLanguageLen  = 64
	maxModelNameLen = 128
)

// Request is the JSON body of POST /api/translate.
type Request struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
	// Model overrides the server default when set.
	Model string `json:"model,omitempty"`
}

// Response is returned on success. TotalDurationMS is the server-reported
// generation time.
type Response struct {
	Translation     string `json:"translation"`
	Model           string `json:"model"`
	EvalCount       int    `json:"eval_count"`
	TotalDurationMS int64  `json:"total_duration_ms"`
}

// normalize trims whitespace and fills the source default.
func (r *Request) normalize() {
	r.SourceLang = strings.TrimSpace(r.SourceLang)
	r.TargetLang = strings.TrimSpace(r.TargetLang)
	r.Model = strings.TrimSpace(r.Model)
	if r.SourceLang == "" {
		r.SourceLang = AutoDetect
	}
}

// Validate returns a client-facing error describing the first problem.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return xerrors.New("text is required")
	}
	if !utf8.ValidString(r.Text) {
		return xerrors.New("text must be valid UTF-8")
	}
	if utf8.RuneCountInString(r.Text) > MaxTextRunes {
		return xerrors.Newf("text exceeds %d characters", MaxTextRunes)
	}
	if r.TargetLang == "" {
		return xerrors.New("target_lang is required")
	}
	if strings.EqualFold(r.TargetLang, AutoDetect) {
		return xerrors.New("target_lang cannot be auto")
	}
	if !validLanguage(r.TargetLang) {
		return xerrors.New("target_lang is invalid")
	}
	if !strings.EqualFold(r.SourceLang, AutoDetect) && !validLanguage(r.SourceLang) {
		return xerrors.New("source_lang is invalid")
	}
	if r.Model != "" && !validModel(r.Model) {
		return xerrors.New("model is invalid")
	}
	return nil
}

// language names like "Portuguese (Brazil)" or "Chinese - Traditional"
func validLanguage(s string) bool {
	if s == "" || len(s) > maxLanguageLen {
		return false
	}
	for _, c := range s {
		switch {
		case unicode.IsLetter(c), c == ' ', c == '(', c == ')', c == '-':
		default:
			return false
		}
	}
	return true
}

// ollama model tags: "gemma3:4b", "library/llama3.2:latest"
func validModel(s string) bool {
	if len(s) > maxModelNameLen {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '-' || c == '_' || c == ':' || c == '/':
		default:
			return false
		}
	}
	return true
}
