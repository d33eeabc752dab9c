package wechat

import (
	"bytes"
	"fmt"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const bodyStyle = `font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif; font-size: 16px; line-height: 1.6; color: #333;`

// Formatter renders Markdown article bodies as sanitized HTML for the
// official account editor
type Formatter struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

func NewFormatter() *Formatter {
	return &Formatter{
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy: bluemonday.UGCPolicy(),
	}
}

func (f *Formatter) Format(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := f.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	body := f.policy.SanitizeBytes(buf.Bytes())
	return fmt.Sprintf("<div style=\"%s\">\n%s</div>", bodyStyle, body), nil
}
