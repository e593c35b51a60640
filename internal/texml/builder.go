// Package texml builds call-control documents for the telephony provider.
//
// Build is a pure function of its inputs: prompt text is sanitized before
// interpolation and the generated document is checked against structural
// invariants before being returned, so untrusted caller-influenced or
// admin-configured text can never change document structure.
package texml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/tetrixcorps/voicecore/internal/domain"
)

const (
	header       = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n"
	voice        = "alice"
	maxPromptLen = 500
)

// Document describes the next instruction set for a live call. At most one of
// Gather, Dial, Record and Redirect should be set; Say may accompany any of
// them.
type Document struct {
	Say      string
	Gather   *Gather
	Dial     *Dial
	Record   *Record
	Redirect string
	Hangup   bool
	Language string
}

// Gather collects DTMF and/or speech input from the caller.
type Gather struct {
	Action    string
	Prompt    string
	Speech    bool
	Timeout   int
	NumDigits int
}

// Dial bridges the call to a destination number or SIP URI.
type Dial struct {
	Destination string
	Timeout     int
	Record      bool
}

// Record records the caller, voicemail style.
type Record struct {
	Action    string
	Timeout   int
	MaxLength int
}

var (
	markupRe = regexp.MustCompile(`[<>]`)
	scriptRe = regexp.MustCompile(`(?i)(<\s*/?\s*script[^>]*>|javascript\s*:|\bon[a-z]+\s*=)`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// SanitizePrompt strips structural markup and script-like substrings from
// free-text prompt content and caps its length.
func SanitizePrompt(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = markupRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > maxPromptLen {
		s = strings.TrimSpace(string(runes[:maxPromptLen]))
	}
	return s
}

// Build renders the document and validates it. On any failure callers should
// fall back to SafeHangup rather than propagating the error to the transport
// layer.
func Build(doc Document) (string, error) {
	lang := doc.Language
	if lang == "" {
		lang = "en-US"
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("<Response>\n")

	if doc.Say != "" {
		writeSay(&b, doc.Say, lang)
	}

	switch {
	case doc.Gather != nil:
		g := doc.Gather
		timeout := g.Timeout
		if timeout <= 0 {
			timeout = 10
		}
		numDigits := g.NumDigits
		if numDigits <= 0 {
			numDigits = 1
		}
		input := "dtmf"
		if g.Speech {
			input = "speech dtmf"
		}
		fmt.Fprintf(&b, "  <Gather action=\"%s\" method=\"POST\" input=\"%s\" timeout=\"%d\" numDigits=\"%d\">\n",
			escape(g.Action), input, timeout, numDigits)
		if g.Prompt != "" {
			fmt.Fprintf(&b, "    <Say voice=%q language=%q>%s</Say>\n", voice, lang, escape(SanitizePrompt(g.Prompt)))
		}
		b.WriteString("  </Gather>\n")
		// Fallthrough when the gather times out with no input.
		writeSay(&b, "We didn't receive any input.", lang)
		fmt.Fprintf(&b, "  <Redirect method=\"POST\">%s</Redirect>\n", escape(g.Action))

	case doc.Dial != nil:
		d := doc.Dial
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = 30
		}
		attrs := fmt.Sprintf(" timeout=\"%d\"", timeout)
		if d.Record {
			attrs += " record=\"record-from-answer\""
		}
		fmt.Fprintf(&b, "  <Dial%s>\n    <Number>%s</Number>\n  </Dial>\n", attrs, escape(d.Destination))
		b.WriteString("  <Hangup/>\n")

	case doc.Record != nil:
		r := doc.Record
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = 30
		}
		maxLength := r.MaxLength
		if maxLength <= 0 {
			maxLength = 300
		}
		fmt.Fprintf(&b, "  <Record action=\"%s\" method=\"POST\" timeout=\"%d\" maxLength=\"%d\" playBeep=\"true\"/>\n",
			escape(r.Action), timeout, maxLength)
		b.WriteString("  <Hangup/>\n")

	case doc.Redirect != "":
		fmt.Fprintf(&b, "  <Redirect method=\"POST\">%s</Redirect>\n", escape(doc.Redirect))

	case doc.Hangup:
		b.WriteString("  <Hangup/>\n")
	}

	out := b.String() + "</Response>"
	if err := Validate(out); err != nil {
		return "", fmt.Errorf("document failed validation: %w", err)
	}
	return out, nil
}

func writeSay(b *strings.Builder, text, lang string) {
	fmt.Fprintf(b, "  <Say voice=%q language=%q>%s</Say>\n", voice, lang, escape(SanitizePrompt(text)))
}

func escape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

var knownVerbs = map[string]bool{
	"Response": true,
	"Say":      true,
	"Gather":   true,
	"Dial":     true,
	"Number":   true,
	"Record":   true,
	"Redirect": true,
	"Hangup":   true,
}

// Validate checks the structural invariants of a control document: well
// formed XML, exactly one top-level Response wrapper, and only known verbs.
// Failures wrap domain.ErrDocumentGeneration.
func Validate(doc string) error {
	dec := xml.NewDecoder(strings.NewReader(doc))
	depth := 0
	roots := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("%w: malformed document: %v", domain.ErrDocumentGeneration, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				if t.Name.Local != "Response" {
					return fmt.Errorf("%w: top-level element %q, want Response", domain.ErrDocumentGeneration, t.Name.Local)
				}
			}
			if !knownVerbs[t.Name.Local] {
				return fmt.Errorf("%w: unknown verb %q", domain.ErrDocumentGeneration, t.Name.Local)
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}
	if depth != 0 {
		return fmt.Errorf("%w: unbalanced tags", domain.ErrDocumentGeneration)
	}
	if roots != 1 {
		return fmt.Errorf("%w: expected exactly one Response wrapper, got %d", domain.ErrDocumentGeneration, roots)
	}
	return nil
}

// SafeHangup returns the fixed apologize-and-hang-up document used whenever
// document generation fails.
func SafeHangup() string {
	return header + "<Response>\n" +
		"  <Say voice=\"alice\" language=\"en-US\">We are sorry, an application error has occurred. Please try your call again later.</Say>\n" +
		"  <Hangup/>\n" +
		"</Response>"
}
