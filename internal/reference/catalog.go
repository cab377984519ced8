// Package reference holds the static commodity catalog and the cached
// state/district lists read from the price table.
package reference

import (
	"slices"
	"strings"
)

// Category groups commodity names the way the planner prompt presents them.
type Category struct {
	Name  string
	Items []string
}

// Catalog is the set of commodity names stored in the price table.
type Catalog struct {
	Categories []Category
	// Aliases maps common Hindi names to catalog entries.
	Aliases map[string]string

	index map[string]string
}

// DefaultCatalog returns the commodity catalog of the mandi_prices table.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Category{
		{Name: "Vegetables", Items: []string{
			"Amaranthus", "Ashgourd", "Beans", "Beetroot", "Bhindi/Ladies Finger", "Bitter Gourd",
			"Bottle Gourd", "Brinjal", "Cabbage", "Capsicum", "Carrot", "Cauliflower", "Cluster Beans",
			"Coriander(Leaves)", "Cucumber/Kheera", "Drumstick", "Garlic", "Ginger(Green)", "Green Chilli",
			"Green Peas", "Lemon", "Methi(Leaves)", "Mint/Pudina", "Mushrooms", "Onion",
			"Pointed Gourd/Parval", "Potato", "Pumpkin", "Raddish", "Ridgeguard/Tori", "Spinach",
			"Sweet Potato", "Tinda", "Tomato", "Turnip", "Yam",
		}},
		{Name: "Fruits", Items: []string{
			"Amla", "Apple", "Banana", "Ber", "Chikoo/Sapota", "Custard Apple", "Grapes", "Guava",
			"Jack Fruit", "Musk Melon", "Kinnow", "Mango", "Mousambi/Sweet Lime", "Orange", "Papaya",
			"Pear", "Pineapple", "Pomegranate", "Water Melon",
		}},
		{Name: "Grains & Pulses", Items: []string{
			"Arhar/Tur Dal", "Bajra", "Barley/Jau", "Bengal Gram/Chana", "Black Gram/Urad",
			"Green Gram/Moong", "Jowar", "Kabuli Chana", "Lentil/Masur", "Maize", "Paddy", "Ragi",
			"Rice", "Wheat",
		}},
		{Name: "Spices", Items: []string{
			"Ajwan", "Black Pepper", "Chilli Red", "Coriander Seed", "Cumin/Jeera", "Ginger(Dry)",
			"Methi Seeds", "Mustard", "Turmeric",
		}},
		{Name: "Oilseeds", Items: []string{
			"Castor Seed", "Coconut", "Groundnut", "Sesamum/Til", "Soyabean", "Sunflower",
		}},
		{Name: "Cash Crops", Items: []string{
			"Arecanut/Supari", "Cotton", "Jaggery/Gur", "Sugarcane", "Tapioca",
		}},
	}, map[string]string{
		"aloo":    "Potato",
		"tamatar": "Tomato",
		"pyaaz":   "Onion",
		"pyaz":    "Onion",
		"gobhi":   "Cauliflower",
		"baingan": "Brinjal",
		"lahsun":  "Garlic",
		"adrak":   "Ginger(Green)",
		"gehun":   "Wheat",
		"chawal":  "Rice",
	})
}

// NewCatalog indexes categories for case-insensitive lookup. Slash-separated
// names ("Cumin/Jeera") are reachable by every part.
func NewCatalog(categories []Category, aliases map[string]string) *Catalog {
	c := &Catalog{
		Categories: categories,
		Aliases:    aliases,
		index:      map[string]string{},
	}
	for _, cat := range categories {
		for _, item := range cat.Items {
			c.index[strings.ToLower(item)] = item
			for _, part := range strings.Split(item, "/") {
				key := strings.ToLower(strings.TrimSpace(part))
				if _, taken := c.index[key]; !taken {
					c.index[key] = item
				}
			}
		}
	}
	for alias, item := range aliases {
		c.index[strings.ToLower(alias)] = item
	}
	return c
}

// Lookup returns the catalog entry for name, ignoring case.
func (c *Catalog) Lookup(name string) (string, bool) {
	item, ok := c.index[strings.ToLower(strings.TrimSpace(name))]
	return item, ok
}

// Render formats the catalog for the planner prompt, one category per line.
func (c *Catalog) Render() string {
	var b strings.Builder
	for i, cat := range c.Categories {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("[")
		b.WriteString(cat.Name)
		b.WriteString("] ")
		b.WriteString(strings.Join(cat.Items, ","))
	}
	return b.String()
}

// RenderAliases formats the alias table as "aloo→Potato, ..." sorted by alias.
func (c *Catalog) RenderAliases() string {
	if len(c.Aliases) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c.Aliases))
	for k := range c.Aliases {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"→"+c.Aliases[k])
	}
	return strings.Join(parts, ", ")
}
