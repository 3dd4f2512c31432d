package parser

import (
	"regexp"
	"strings"

	"github.com/EgorLis/Fishbot/internal/transport"
)

type Domain string

const (
	DomainShop Domain = "shop"
	DomainList Domain = "list"
)

var shopKeywords = []string{"shop", "store", "market", "merchant"}

type Parser struct {
	domains map[string]Domain
}

// New. domains — явная привязка имени команды к домену ("clan shop": "shop").
func New(domains map[string]string) *Parser {
	p := &Parser{domains: make(map[string]Domain, len(domains))}
	for name, d := range domains {
		p.domains[normName(name)] = Domain(strings.ToLower(d))
	}
	return p
}

// Classify: сначала конфиг, потом ключевые слова, иначе список.
func (p *Parser) Classify(commandName string) Domain {
	name := normName(commandName)
	if d, ok := p.domains[name]; ok && (d == DomainShop || d == DomainList) {
		return d
	}
	for _, w := range strings.Fields(name) {
		for _, kw := range shopKeywords {
			if w == kw {
				return DomainShop
			}
		}
	}
	return DomainList
}

// Parse никогда не возвращает ошибку: пустой результат — тоже результат.
func (p *Parser) Parse(commandName string, c transport.Content) []Entity {
	name := normName(commandName)
	switch p.Classify(name) {
	case DomainShop:
		items := ParseShop(name, c)
		out := make([]Entity, len(items))
		for i, it := range items {
			out[i] = it
		}
		return out
	default:
		ents := ParseGeneric(name, c)
		out := make([]Entity, len(ents))
		for i, e := range ents {
			out[i] = e
		}
		return out
	}
}

func normName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

var (
	emojiRe     = regexp.MustCompile(`<a?:\w+:\d+>`)
	shortcodeRe = regexp.MustCompile(`:[a-z_][a-z0-9_]*:`)
	bulletRe    = regexp.MustCompile(`^(?:[•·▸►>]|-\s)\s*`)
	spacesRe    = regexp.MustCompile(`\s+`)
)

// clean убирает markdown, эмодзи и маркеры списков.
func clean(line string) string {
	line = emojiRe.ReplaceAllString(line, "")
	line = shortcodeRe.ReplaceAllString(line, "")
	line = strings.NewReplacer("**", "", "__", "", "`", "", "~~", "").Replace(line)
	line = strings.TrimSpace(line)
	line = strings.Trim(line, "*_")
	line = bulletRe.ReplaceAllString(line, "")
	return strings.TrimSpace(spacesRe.ReplaceAllString(line, " "))
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = clean(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
