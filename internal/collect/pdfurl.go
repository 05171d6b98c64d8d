package collect

import "strings"

var (
	strongPDFMarkers = []string{".pdf", "/pdf/", "pdf?", "pdf&", "pdf#"}
	mirrorSites      = []string{
		"scribd.com", "slideshare.net", "researchgate.net",
		"academia.edu", "manualslib.com", "yumpu.com",
		"pdfcoffee.com", "directindustry.com", "datapdf.com",
	}
	documentPatterns = []string{"document", "manual", "specification", "datasheet", "catalog"}
)

// IsPDFURL guesses whether a search hit links straight to a PDF. Explicit
// pdf markers win; document mirror sites that wrap files in viewers are
// rejected; otherwise document-like paths are accepted.
func IsPDFURL(u string) bool {
	lower := strings.ToLower(u)
	if containsAny(lower, strongPDFMarkers) {
		return true
	}
	if containsAny(lower, mirrorSites) {
		return false
	}
	return containsAny(lower, documentPatterns)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
