package email_scrape

import (
	"log"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FinnListing is one listing draft extracted from an alert email.
// Price and Size stay empty when the email omits them (sale alerts usually
// carry no price); that is a valid terminal state, not an error.
type FinnListing struct {
	Finnkode string
	Title    string
	Address  string
	Price    string // e.g. "13 000 kr"
	Size     string // e.g. "45 m²"
	Link     string // canonical finn.no URL, or the raw tracking URL if unwrapping failed
}

var (
	reFinnkodeQuery = regexp.MustCompile(`(?i)finnkode[=:](\d+)`)
	reFinnkodePath  = regexp.MustCompile(`/(\d{6,})(?:[/?#]|$)`)
	rePriceNOK      = regexp.MustCompile(`(\d[\d \x{00a0}]*)\s*kr\b`)
	reSizeSqm       = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*m(?:²|2\b)`)
)

// Query params used by tracking-redirect wrappers, in unwrap order.
var trackingParams = []string{"url", "u", "link", "target", "redirect"}

// ParseFinnAlertHTML extracts listing drafts from one alert email body.
// Finn templates scatter a listing across several anchors (image, heading,
// "see ad" button) that all point at the same ad, so anchors are merged by
// finnkode; the first anchor creates the draft and later anchors fill gaps.
// Parsing one email twice yields the same drafts.
func ParseFinnAlertHTML(htmlBody string) ([]FinnListing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return nil, err
	}

	responsive := isResponsiveLayout(doc)

	byKode := map[string]*FinnListing{}
	var order []string // emit in document order, not map order

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}

		link := UnwrapTrackingURL(href)
		if !looksLikeFinnAdURL(link) {
			return
		}

		kode := Finnkode(link)
		key := kode
		if key == "" {
			key = link
		}

		l, ok := byKode[key]
		if !ok {
			l = &FinnListing{Finnkode: kode, Link: link}
			byKode[key] = l
			order = append(order, key)
		}

		// Candidate title: heading-anchor pairs beat plain anchor text,
		// which beats nothing (image-only anchors contribute no title).
		if t := titleCandidate(a); t != "" && len(t) > len(l.Title) {
			l.Title = t
		}

		card := listingCard(a, responsive)

		if l.Address == "" {
			l.Address = addressFromCard(card)
		}

		blob := cleanText(card.Text())
		if l.Price == "" {
			if m := rePriceNOK.FindStringSubmatch(blob); m != nil {
				l.Price = cleanText(m[1]) + " kr"
			}
		}
		if l.Size == "" {
			if m := reSizeSqm.FindStringSubmatch(blob); m != nil {
				l.Size = cleanText(m[1]) + " m²"
			}
		}
	})

	out := make([]FinnListing, 0, len(order))
	for _, key := range order {
		l := byKode[key]
		if l.Title == "" && l.Address == "" {
			log.Printf("[extract] skipping malformed record link=%s (no title, no address)", l.Link)
			continue
		}
		out = append(out, *l)
	}

	return out, nil
}

// isResponsiveLayout distinguishes the newer card template from the legacy
// table-row template. Card markup carries class names; the legacy layout is
// bare nested tables.
func isResponsiveLayout(doc *goquery.Document) bool {
	return doc.Find(`[class*="card"], [class*="sf-ad"]`).Length() > 0
}

// listingCard walks out from an anchor to the container holding the rest of
// the listing's fields.
func listingCard(a *goquery.Selection, responsive bool) *goquery.Selection {
	if responsive {
		if card := a.Closest(`[class*="card"], [class*="sf-ad"]`); card.Length() > 0 {
			return card
		}
	}
	if card := a.Closest("table"); card.Length() > 0 {
		return card
	}
	if card := a.Closest("tr"); card.Length() > 0 {
		return card
	}
	return a.Parent()
}

func titleCandidate(a *goquery.Selection) string {
	if t := cleanText(a.Find("h1,h2,h3,h4").First().Text()); t != "" {
		return t
	}
	if t := cleanText(a.Find("strong,b").First().Text()); looksLikeTitle(t) {
		return t
	}
	if t := cleanText(a.Text()); looksLikeTitle(t) {
		return t
	}
	return ""
}

// addressFromCard prefers the secondary-text line under the title; sale
// templates drop that line, so fall back to the dedicated address field.
// Address extraction never depends on whether a price is present.
func addressFromCard(card *goquery.Selection) string {
	if t := cleanText(card.Find(`[class*="secondary"]`).First().Text()); t != "" {
		return t
	}
	return cleanText(card.Find(`[class*="address"]`).First().Text())
}

func looksLikeTitle(s string) bool {
	if len(s) < 4 {
		return false
	}
	l := strings.ToLower(s)
	if strings.Contains(l, "http://") || strings.Contains(l, "https://") || strings.Contains(l, "www.") {
		return false
	}
	// button/CTA text on the "open ad" anchors
	for _, cta := range []string{"se annonse", "vis annonse", "les mer", "se flere", "åpne", "unsubscribe", "avmeld"} {
		if strings.Contains(l, cta) {
			return false
		}
	}
	return true
}

func looksLikeFinnAdURL(link string) bool {
	l := strings.ToLower(link)
	if !strings.Contains(l, "finn.no") {
		return false
	}
	return reFinnkodeQuery.MatchString(l) || reFinnkodePath.MatchString(l)
}

// Finnkode extracts the numeric ad id from a canonical listing URL, checking
// the finnkode query param first and a long trailing path segment second.
// Empty string when neither form matches.
func Finnkode(link string) string {
	if m := reFinnkodeQuery.FindStringSubmatch(link); m != nil {
		return m[1]
	}
	if u, err := url.Parse(link); err == nil && u.Path != "" {
		if m := reFinnkodePath.FindStringSubmatch(u.Path); m != nil {
			return m[1]
		}
	}
	if m := reFinnkodePath.FindStringSubmatch(link); m != nil {
		return m[1]
	}
	return ""
}

// UnwrapTrackingURL reverses the redirect wrapper Finn's mailer puts around
// listing links: the real URL sits percent-encoded in a query parameter.
// When no wrapper is recognized the raw href is returned unchanged rather
// than dropping the record.
func UnwrapTrackingURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}

	q := u.Query()
	for _, p := range trackingParams {
		raw := q.Get(p)
		if raw == "" {
			continue
		}
		// Some wrappers double-encode; Query() already handles one layer.
		if dec, err := url.QueryUnescape(raw); err == nil && strings.Contains(dec, "://") {
			raw = dec
		}
		if uu, err := url.Parse(raw); err == nil && uu.Host != "" {
			return uu.String()
		}
	}

	return href
}

func cleanText(s string) string {
	s = strings.ReplaceAll(s, " ", " ")
	return strings.Join(strings.Fields(s), " ")
}
