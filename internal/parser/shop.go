package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/EgorLis/Fishbot/internal/transport"
)

var (
	// Lucky Bait - 50 coins (Increases catch rate) x10
	shopLineRe = regexp.MustCompile(`^(.+?)\s+-\s+(\d[\d,]*)\s+([A-Za-z][\w ]*?)(?:\s+\(([^)]*)\))?(?:\s+[xX](\d[\d,]*))?$`)
	// Fishing Rod - $1,200 (Better rod)
	dollarLineRe = regexp.MustCompile(`^(.+?)\s+-\s+\$(\d[\d,]*)(?:\s+\(([^)]*)\))?(?:\s+[xX](\d[\d,]*))?$`)
)

// ParseShop разбирает строки описаний и поля embed'ов.
func ParseShop(shopType string, c transport.Content) []ShopItem {
	var items []ShopItem
	for _, l := range splitLines(c.Text) {
		if it, ok := ParseShopLine(shopType, l); ok {
			items = append(items, it)
		}
	}
	for _, e := range c.Embeds {
		for _, l := range splitLines(e.Description) {
			if it, ok := ParseShopLine(shopType, l); ok {
				items = append(items, it)
			}
		}
		for _, f := range e.Fields {
			items = append(items, parseShopField(shopType, f)...)
		}
	}
	return items
}

// поле: сначала "name - value", потом строки value по отдельности.
// Если первая строка value сама товар, имя поля — заголовок группы.
func parseShopField(shopType string, f transport.Field) []ShopItem {
	values := splitLines(f.Value)
	name := clean(f.Name)
	if name != "" && len(values) > 0 && !isShopLine(values[0]) {
		combined := name + " - " + values[0]
		if len(values) > 1 && strings.HasPrefix(values[1], "(") {
			combined += " " + values[1]
		}
		if it, ok := ParseShopLine(shopType, combined); ok {
			return []ShopItem{it}
		}
	}
	var out []ShopItem
	for _, l := range values {
		if it, ok := ParseShopLine(shopType, l); ok {
			out = append(out, it)
		}
	}
	return out
}

// ParseShopLine разбирает одну строку. ok=false — строка не товар.
func ParseShopLine(shopType, line string) (ShopItem, bool) {
	line = clean(line)
	var name, price, currency, desc, stock string
	if m := shopLineRe.FindStringSubmatch(line); m != nil {
		name, price, currency, desc, stock = m[1], m[2], m[3], m[4], m[5]
	} else if m := dollarLineRe.FindStringSubmatch(line); m != nil {
		name, price, currency, desc, stock = m[1], m[2], "$", m[3], m[4]
	} else {
		return ShopItem{}, false
	}

	p, ok := parseUint(price)
	if !ok {
		return ShopItem{}, false
	}
	it := ShopItem{
		Name:     strings.TrimSpace(name),
		ShopType: shopType,
		Price:    p,
		Currency: strings.ToLower(strings.TrimSpace(currency)),
	}
	if d := strings.TrimSpace(desc); d != "" {
		it.Description = &d
	}
	if stock != "" {
		if s, ok := parseUint(stock); ok {
			it.Stock = &s
		}
	}
	return it, true
}

func isShopLine(line string) bool {
	return shopLineRe.MatchString(line) || dollarLineRe.MatchString(line)
}

// parseUint не пропускает значения больше math.MaxInt64: в базе это BIGINT.
func parseUint(s string) (uint64, bool) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, ",", ""), 10, 63)
	return v, err == nil
}
