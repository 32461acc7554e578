package format

import (
	"fmt"
	"regexp"
)

const (
	// MarkdownV1 denotes Telegram markdown version 1.
	MarkdownV1 = 1
	// MarkdownV2 denotes Telegram markdown version 2.
	MarkdownV2 = 2
)

var (
	mdV1Re     = regexp.MustCompile("([_*`\\[])")
	mdV2Re     = regexp.MustCompile(`([_*\[\]()~` + "`" + `>#+\-=|{}.!\\])`)
	mdV2CodeRe = regexp.MustCompile("([`\\\\])")
	mdV2LinkRe = regexp.MustCompile(`([)\\])`)
)

// EscapeMarkdown escapes special characters for MarkdownV1 or V2.
// For V2, entityType "pre"/"code" and "text_link" use the narrower escape
// sets Telegram applies inside those entities.
func EscapeMarkdown(text string, version int, entityType string) (string, error) {
	switch version {
	case MarkdownV1:
		return mdV1Re.ReplaceAllString(text, `\$1`), nil
	case MarkdownV2:
		switch entityType {
		case "pre", "code":
			return mdV2CodeRe.ReplaceAllString(text, `\$1`), nil
		case "text_link":
			return mdV2LinkRe.ReplaceAllString(text, `\$1`), nil
		}
		return mdV2Re.ReplaceAllString(text, `\$1`), nil
	}
	return "", fmt.Errorf("unsupported markdown version: %d", version)
}

// MD escapes text for plain MarkdownV2 context.
func MD(text string) string {
	return mdV2Re.ReplaceAllString(text, `\$1`)
}

// Code wraps text in an inline MarkdownV2 code entity.
func Code(text string) string {
	return "`" + mdV2CodeRe.ReplaceAllString(text, `\$1`) + "`"
}

// Bold wraps escaped text in a MarkdownV2 bold entity.
func Bold(text string) string {
	return "*" + MD(text) + "*"
}
