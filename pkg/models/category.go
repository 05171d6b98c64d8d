package models

import (
	"regexp"
	"strings"
)

// Category names the directory a resource is stored under.
type Category string

const (
	Failure         Category = "failure"
	Technical       Category = "technical"
	Troubleshooting Category = "troubleshooting"
	Product         Category = "product"
	Images          Category = "images"
)

// DefaultCategories is the category set used when none is configured.
var DefaultCategories = []Category{Failure, Technical, Troubleshooting, Product, Images}

// Header spellings used by the keyword and URL files.
var categoryAliases = map[string]Category{
	"failure case":                          Failure,
	"failure cases":                         Failure,
	"failure_case":                          Failure,
	"technical / manual":                    Technical,
	"technical manuals":                     Technical,
	"technical_manual":                      Technical,
	"troubleshooting / maintenance":         Troubleshooting,
	"troubleshooting_maintenance":           Troubleshooting,
	"product / documentation / educational": Product,
	"product documentation":                 Product,
	"product_documentation_educational":     Product,
	"image":                                 Images,
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// ParseCategory maps a free-form label onto a Category. Known aliases map to
// the canonical constants; anything else is slugified.
func ParseCategory(label string) Category {
	key := strings.ToLower(strings.TrimSpace(label))
	if c, ok := categoryAliases[key]; ok {
		return c
	}
	slug := strings.Trim(nonSlug.ReplaceAllString(key, "_"), "_")
	return Category(slug)
}

func (c Category) String() string {
	return string(c)
}

// In reports whether c is a member of set.
func (c Category) In(set []Category) bool {
	for _, s := range set {
		if s == c {
			return true
		}
	}
	return false
}
