// Package translate implements POST /api/translate: it validates a
// translation request, builds the prompt and runs it through the inference
// client.
package translate
