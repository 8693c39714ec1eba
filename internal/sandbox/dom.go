package sandbox

import (
	"bytes"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DOM is the document an instance renders into. Shims mutate it from the
// instance loop; snapshots read it from other goroutines, so every access
// goes through mu.
type DOM struct {
	mu   sync.RWMutex
	doc  *goquery.Document
	head *html.Node
	body *html.Node
}

// NewDOM parses already sanitized markup into a document whose body holds it.
func NewDOM(markup string) (*DOM, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		"<!DOCTYPE html><html><head></head><body>" + markup + "</body></html>"))
	if err != nil {
		return nil, err
	}

	d := &DOM{doc: doc}
	if n := doc.Find("head").Nodes; len(n) > 0 {
		d.head = n[0]
	}
	if n := doc.Find("body").Nodes; len(n) > 0 {
		d.body = n[0]
	}
	return d, nil
}

// Body returns the container node.
func (d *DOM) Body() *html.Node { return d.body }

// Head returns the head node.
func (d *DOM) Head() *html.Node { return d.head }

// Root returns the html element.
func (d *DOM) Root() *html.Node {
	if d.body != nil {
		return d.body.Parent
	}
	return nil
}

// HasCanvas reports whether any canvas element exists.
func (d *DOM) HasCanvas() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.Find("canvas").Length() > 0
}

// BodyHTML serializes the container's children.
func (d *DOM) BodyHTML() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return innerHTML(d.body)
}

// Clear empties the container.
func (d *DOM) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	removeChildren(d.body)
}

// ShowError replaces the container with an error block.
func (d *DOM) ShowError(title, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	removeChildren(d.body)
	d.body.AppendChild(errorBlock(title, message))
}

// ByID finds the first element with id.
func (d *DOM) ByID(id string) *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return findByID(d.Root(), id)
}

// Query returns elements under root matching a CSS selector. Invalid
// selectors match nothing.
func (d *DOM) Query(root *html.Node, selector string) []*html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if root == nil {
		return nil
	}
	return goquery.NewDocumentFromNode(root).Find(selector).Nodes
}

// Matches reports whether node matches selector.
func (d *DOM) Matches(node *html.Node, selector string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return goquery.NewDocumentFromNode(node).Is(selector)
}

// Inner returns the serialized children of n.
func (d *DOM) Inner(n *html.Node) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return innerHTML(n)
}

// Outer returns n serialized.
func (d *DOM) Outer(n *html.Node) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var buf bytes.Buffer
	_ = html.Render(&buf, n)
	return buf.String()
}

// SetInner replaces n's children with sanitized markup.
func (d *DOM) SetInner(n *html.Node, markup string) {
	nodes, err := html.ParseFragment(strings.NewReader(Sanitize(markup)), &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	removeChildren(n)
	if err != nil {
		return
	}
	for _, c := range nodes {
		n.AppendChild(c)
	}
}

// Text returns the text content of n.
func (d *DOM) Text(n *html.Node) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return textOf(n)
}

// SetText replaces n's children with a single text node.
func (d *DOM) SetText(n *html.Node, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	removeChildren(n)
	if text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

// Attr returns an attribute value.
func (d *DOM) Attr(n *html.Node, name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// SetAttr sets an attribute. Event handler attributes are ignored.
func (d *DOM) SetAttr(n *html.Node, name, value string) {
	name = strings.ToLower(name)
	if strings.HasPrefix(name, "on") {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range n.Attr {
		if n.Attr[i].Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

// RemoveAttr deletes an attribute.
func (d *DOM) RemoveAttr(n *html.Node, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	attrs := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != name {
			attrs = append(attrs, a)
		}
	}
	n.Attr = attrs
}

// Append moves child under parent.
func (d *DOM) Append(parent, child *html.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if child.Parent != nil {
		child.Parent.RemoveChild(child)
	}
	parent.AppendChild(child)
}

// InsertBefore moves child under parent before ref. A nil ref appends.
func (d *DOM) InsertBefore(parent, child, ref *html.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if child.Parent != nil {
		child.Parent.RemoveChild(child)
	}
	if ref == nil || ref.Parent != parent {
		parent.AppendChild(child)
		return
	}
	parent.InsertBefore(child, ref)
}

// Detach removes n from its parent.
func (d *DOM) Detach(n *html.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// Children returns element children of n.
func (d *DOM) Children(n *html.Node) []*html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// Parent returns n's parent node.
func (d *DOM) Parent(n *html.Node) *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return n.Parent
}

// NewElement creates a detached element.
func NewElement(tag string) *html.Node {
	tag = strings.ToLower(tag)
	return &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
}

func errorBlock(title, message string) *html.Node {
	div := NewElement("div")
	div.Attr = []html.Attribute{{Key: "class", Val: "error"}}
	h3 := NewElement("h3")
	h3.AppendChild(&html.Node{Type: html.TextNode, Data: title})
	p := NewElement("p")
	p.AppendChild(&html.Node{Type: html.TextNode, Data: message})
	div.AppendChild(h3)
	div.AppendChild(p)
	return div
}

func innerHTML(n *html.Node) string {
	if n == nil {
		return ""
	}
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textOf(c))
	}
	return sb.String()
}

func removeChildren(n *html.Node) {
	if n == nil {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

func findByID(n *html.Node, id string) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}
