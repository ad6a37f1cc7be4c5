package enrich

import (
	"fmt"
	"strings"
)

// SystemPrompt is the role instruction sent with every enrichment request.
const SystemPrompt = `You are a baby name etymologist. Provide concise meanings (1-4 words MAX) and REAL origins. NEVER use "unknown" or "not available" - research and find the actual linguistic origin. Return ONLY valid JSON array.`

// DefaultInstructions is the per-batch instruction block for the standard
// meaning/origin enrichment.
const DefaultInstructions = `Analyze these baby names and return a JSON array with this exact structure for each name:
[
  {
    "name": "exact name from input",
    "meaning": "1-4 words describing meaning",
    "origin": "REAL linguistic origin (Hebrew/Greek/Latin/English/Arabic/Sanskrit/Chinese/etc - NEVER use 'unknown')",
    "culturalContext": "brief cultural note if relevant"
  }
]

CRITICAL RULES:
1. Keep meanings to 1-4 words maximum
2. ALWAYS provide a real origin - analyze the name's linguistic roots, phonetics, or cultural patterns
3. For unclear names, make an educated guess based on linguistic analysis (e.g., ending in -o suggests Spanish/Italian, -ski suggests Polish/Slavic)
4. NEVER return "unknown", "not available", or "N/A" as an origin
5. Return ONLY the JSON array, no other text`

// BlogInstructions is the instruction block for the blog metadata variant:
// one object per post slug, carrying SEO fields instead of etymology.
const BlogInstructions = `For each blog post title below, return a JSON array with one object per title, in the same order:
[
  {
    "name": "exact title from input",
    "metaDescription": "compelling 140-160 character meta description",
    "keywords": "5-8 comma-separated keywords"
  }
]

Return ONLY the JSON array, no other text.`

// BuildPrompt assembles the user message for a batch.
func BuildPrompt(items []string, instructions string) string {
	return fmt.Sprintf("%s\n\nNames (%d): %s", instructions, len(items), strings.Join(items, ", "))
}
