package wechat_official

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/ifuryst/crosspost/pkg/util"
)

const (
	titleLimit   = 64
	digestLimit  = 120
	contentLimit = 20000
	maxArticles  = 8
)

const (
	paragraphStyle = `text-align:left;color:#3f3f3f;line-height:1.75;font-family:Optima-Regular, Optima, PingFangSC-light, PingFangTC-light, 'PingFang SC', Cambria, Cochin, Georgia, Times, 'Times New Roman', serif;font-size:16px;margin:10px 10px`
	refStyle       = `color:#ff3502`
	headingStyle   = `text-align:left;color:#3f3f3f;line-height:1.5;font-size:120%;margin:40px 10px 20px 10px;font-weight:bold`
	imageStyle     = `display:block;max-width:100%;margin:10px auto`
)

var linkPattern = regexp.MustCompile(`https?://[^\s<>"]+[^\s<>".,;:!?)\]}'。，；：！？）]`)

// Transformer turns a plain-text publication into WeChat article HTML.
// Articles cannot carry external links, so URLs become numbered references listed
// at the end of the last article.
type Transformer struct{}

func NewTransformer() *Transformer {
	return &Transformer{}
}

// ArticleContent is one rendered article of a draft.
type ArticleContent struct {
	Title   string
	Digest  string
	Content string
}

// Transform renders body into at most maxArticles articles whose content fits contentLimit.
// imageURLs are embedded at the top of the first article.
func (t *Transformer) Transform(title, body string, imageURLs []string) ([]ArticleContent, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("article title is required")
	}
	body = strings.TrimSpace(body)
	if body == "" && len(imageURLs) == 0 {
		return nil, fmt.Errorf("article content is required")
	}

	body, links := t.extractLinks(body)

	var parts []string
	for budget := contentLimit; budget >= contentLimit/8; budget = budget * 4 / 5 {
		parts = t.render(body, links, imageURLs, budget)
		if fits(parts) {
			break
		}
		parts = nil
	}
	if parts == nil {
		return nil, fmt.Errorf("article content cannot be split within %d characters", contentLimit)
	}
	if len(parts) > maxArticles {
		return nil, fmt.Errorf("content needs %d articles, at most %d are allowed", len(parts), maxArticles)
	}

	digest := util.TruncateRunes(firstParagraph(body), digestLimit)
	articles := make([]ArticleContent, len(parts))
	for i, content := range parts {
		articleTitle := title
		if len(parts) > 1 {
			articleTitle = fmt.Sprintf("%s (%d/%d)", title, i+1, len(parts))
			if util.RuneLen(articleTitle) > titleLimit {
				suffix := fmt.Sprintf(" (%d/%d)", i+1, len(parts))
				articleTitle = util.TruncateRunes(title, titleLimit-util.RuneLen(suffix)) + suffix
			}
		}
		articles[i] = ArticleContent{
			Title:   util.TruncateRunes(articleTitle, titleLimit),
			Digest:  digest,
			Content: content,
		}
	}
	return articles, nil
}

func fits(parts []string) bool {
	for _, p := range parts {
		if util.RuneLen(p) > contentLimit {
			return false
		}
	}
	return true
}

// render splits body at budget characters and renders each part.
func (t *Transformer) render(body string, links []string, imageURLs []string, budget int) []string {
	chunks := util.SplitText(body, budget)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	parts := make([]string, len(chunks))
	for i, chunk := range chunks {
		var b strings.Builder
		if i == 0 {
			for _, u := range imageURLs {
				fmt.Fprintf(&b, `<p style="%s"><img src="%s" style="%s"/></p>`, paragraphStyle, html.EscapeString(u), imageStyle)
			}
		}
		for _, para := range strings.Split(chunk, "\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			fmt.Fprintf(&b, `<p style="%s">%s</p>`, paragraphStyle, renderRefs(html.EscapeString(para)))
		}
		if i == len(chunks)-1 {
			b.WriteString(t.referencesSection(links))
		}
		parts[i] = b.String()
	}
	return parts
}

// extractLinks replaces each distinct URL with a [n] marker and returns the URLs in order.
func (t *Transformer) extractLinks(body string) (string, []string) {
	index := make(map[string]int)
	var links []string

	out := linkPattern.ReplaceAllStringFunc(body, func(u string) string {
		n, ok := index[u]
		if !ok {
			links = append(links, u)
			n = len(links)
			index[u] = n
		}
		return fmt.Sprintf("[%d]", n)
	})
	return out, links
}

var refMarker = regexp.MustCompile(`\[(\d+)\]`)

func renderRefs(escaped string) string {
	return refMarker.ReplaceAllString(escaped, fmt.Sprintf(`<sup style="%s">[$1]</sup>`, refStyle))
}

func (t *Transformer) referencesSection(links []string) string {
	if len(links) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<h3 style="%s">References</h3>`, headingStyle)
	for i, u := range links {
		fmt.Fprintf(&b, `<p style="%s;font-size:14px"><code style="font-size:90%%;opacity:0.6">[%d]</code> <i>%s</i></p>`,
			paragraphStyle, i+1, html.EscapeString(u))
	}
	return b.String()
}

func firstParagraph(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return refMarker.ReplaceAllString(line, "")
		}
	}
	return ""
}
