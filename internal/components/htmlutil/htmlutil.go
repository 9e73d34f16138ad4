package htmlutil

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Parse parses an html body into a goquery document.
func Parse(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

// GetText concatenates every text node under node.
func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		getTextRecursive(child, buffer)
	}
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func removeNonPrintable(s string) string {
	out := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) || unicode.IsSpace(c) {
			out.WriteRune(c)
		}
	}
	return out.String()
}

// CleanText trims s and collapses runs of whitespace into a single space.
func CleanText(s string) string {
	s = removeNonPrintable(s)
	s = strings.TrimSpace(s)
	return innerWhitespace.ReplaceAllString(s, " ")
}

// Text returns the cleaned text of the first node in sel.
func Text(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	return CleanText(GetText(sel.Nodes[0]))
}

// Texts returns the cleaned text of every node in sel, skipping empty ones.
func Texts(sel *goquery.Selection) []string {
	var out []string
	for _, n := range sel.Nodes {
		text := CleanText(GetText(n))
		if text == "" {
			continue
		}
		out = append(out, text)
	}
	return out
}
