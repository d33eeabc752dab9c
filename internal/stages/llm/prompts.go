package llm

import (
	"fmt"
	"strings"

	"github.com/fawad-mazhar/kxcreation/internal/models"
)

const maxPromptContent = 4000

const analyzerSystemPrompt = `You are an expert content analyst. Analyze the structure, themes, key points, sentiment and tone of the content you are given, and recommend how to build new content from it.

Respond with a single JSON object using exactly these keys:
{
    "summary": "string",
    "key_points": ["point1", "point2"],
    "themes": ["theme1", "theme2"],
    "sentiment": "string",
    "structure": {"type": "string", "sections": [], "flow": "string"},
    "recommendations": ["rec1", "rec2"]
}
Provide 3 to 7 key points.`

const composerSystemPrompt = `You are an expert content writer and editor. Write high-quality, engaging articles from the analysis you are given, in the requested style and for the requested audience, with a compelling title, clear structure and smooth transitions.

Respond with a single JSON object using exactly these keys:
{
    "title": "Compelling article title",
    "content": "Full article content in Markdown",
    "summary": "Brief summary (2-3 sentences)",
    "tags": ["tag1", "tag2"],
    "word_count": 0
}`

type styleTemplate struct {
	Tone      string
	Structure string
	Language  string
	Features  string
}

var styleTemplates = map[string]styleTemplate{
	"professional": {
		Tone:      "formal and authoritative",
		Structure: "well-organized with clear sections",
		Language:  "precise and technical terminology",
		Features:  "data-driven, objective, evidence-based",
	},
	"casual": {
		Tone:      "friendly and conversational",
		Structure: "flexible and engaging",
		Language:  "everyday language with relatable examples",
		Features:  "personal anecdotes, humor, accessibility",
	},
	"news": {
		Tone:      "objective and factual",
		Structure: "inverted pyramid (most important first)",
		Language:  "clear, concise, and neutral",
		Features:  "who, what, when, where, why, how",
	},
}

var audienceProfiles = map[string]string{
	"general":   "general public with varied backgrounds and interests",
	"technical": "technical professionals with specialized knowledge",
	"business":  "business professionals focused on practical applications",
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func analyzePrompt(doc *models.Document) string {
	var sb strings.Builder
	sb.WriteString("Analyze the following content and provide a comprehensive analysis.\n\n")
	fmt.Fprintf(&sb, "Title: %s\n", doc.Title)
	if doc.URL != "" {
		fmt.Fprintf(&sb, "Source: %s\n", doc.URL)
	}
	if d := doc.Metadata["description"]; d != "" {
		fmt.Fprintf(&sb, "Description: %s\n", d)
	}
	fmt.Fprintf(&sb, "\nContent:\n%s\n", truncateRunes(doc.Content, maxPromptContent))
	if len(doc.Images) > 0 || len(doc.Links) > 0 {
		fmt.Fprintf(&sb, "\nThe page has %d images and %d links.\n", len(doc.Images), len(doc.Links))
	}
	return sb.String()
}

func composePrompt(insight *models.Insight, style models.StyleParams) string {
	tmpl, ok := styleTemplates[style.ArticleStyle]
	if !ok {
		tmpl = styleTemplates["professional"]
	}
	audience, ok := audienceProfiles[style.TargetAudience]
	if !ok {
		audience = audienceProfiles["general"]
	}

	var sb strings.Builder
	sb.WriteString("Write an article based on this analysis.\n\n")
	fmt.Fprintf(&sb, "Summary: %s\n", insight.Summary)
	writeList(&sb, "Key points", insight.KeyPoints)
	writeList(&sb, "Themes", insight.Themes)
	if insight.Sentiment != "" {
		fmt.Fprintf(&sb, "Sentiment: %s\n", insight.Sentiment)
	}
	if insight.Structure != "" {
		fmt.Fprintf(&sb, "Source structure: %s\n", insight.Structure)
	}
	writeList(&sb, "Recommendations", insight.Recommendations)

	sb.WriteString("\nRequirements:\n")
	fmt.Fprintf(&sb, "- Style: %s (%s)\n", style.ArticleStyle, tmpl.Tone)
	fmt.Fprintf(&sb, "- Structure: %s\n", tmpl.Structure)
	fmt.Fprintf(&sb, "- Language: %s\n", tmpl.Language)
	fmt.Fprintf(&sb, "- Features: %s\n", tmpl.Features)
	fmt.Fprintf(&sb, "- Target audience: %s\n", audience)
	fmt.Fprintf(&sb, "- Target word count: %d words\n", style.WordCount)
	return sb.String()
}

func writeList(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", label)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
}
