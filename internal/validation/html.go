package validation

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxExcerptLength = 300

var snapshotPolicy = newSnapshotPolicy()

func newSnapshotPolicy() *bluemonday.Policy {
	policy := bluemonday.NewPolicy()
	policy.AllowElements(
		"p", "br", "strong", "em", "u",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "blockquote", "code", "pre", "div", "span",
	)
	policy.AllowStandardURLs()
	policy.AllowAttrs("href", "title").OnElements("a")
	policy.AllowAttrs("src", "alt", "title").OnElements("img")
	policy.AllowAttrs("class").Globally()
	return policy
}

// SanitizeHTML strips captured markup to the snapshot allow-list.
func SanitizeHTML(raw string) string {
	return snapshotPolicy.Sanitize(raw)
}

// PageMetadata is the descriptive information extracted from a captured page.
type PageMetadata struct {
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
}

// ExtractMetadata parses raw with a real HTML parser. The title prefers og:title, then <title>,
// then the host of pageURL. The excerpt prefers og:description, then description.
func ExtractMetadata(raw, pageURL string) PageMetadata {
	var (
		ogTitle, title, ogDescription, description string
	)
	document, err := html.Parse(strings.NewReader(raw))
	if err == nil {
		var walk func(node *html.Node)
		walk = func(node *html.Node) {
			if node.Type == html.ElementNode {
				switch node.DataAtom {
				case atom.Title:
					if title == "" {
						title = textContent(node)
					}
				case atom.Meta:
					key := strings.ToLower(attribute(node, "property"))
					if key == "" {
						key = strings.ToLower(attribute(node, "name"))
					}
					content := strings.TrimSpace(attribute(node, "content"))
					switch key {
					case "og:title":
						if ogTitle == "" {
							ogTitle = content
						}
					case "og:description":
						if ogDescription == "" {
							ogDescription = content
						}
					case "description":
						if description == "" {
							description = content
						}
					}
				}
			}
			for child := node.FirstChild; child != nil; child = child.NextSibling {
				walk(child)
			}
		}
		walk(document)
	}

	metadata := PageMetadata{Title: firstNonEmpty(ogTitle, title)}
	if metadata.Title == "" {
		if parsed, parseErr := url.Parse(pageURL); parseErr == nil {
			metadata.Title = parsed.Hostname()
		}
	}
	metadata.Title = SanitizeString(metadata.Title, MaxTitleLength)
	metadata.Excerpt = SanitizeString(firstNonEmpty(ogDescription, description), maxExcerptLength)
	return metadata
}

func attribute(node *html.Node, key string) string {
	for _, attr := range node.Attr {
		if strings.EqualFold(attr.Key, key) {
			return attr.Val
		}
	}
	return ""
}

func textContent(node *html.Node) string {
	var builder strings.Builder
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.TextNode {
			builder.WriteString(child.Data)
		}
	}
	return strings.Join(strings.Fields(builder.String()), " ")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
