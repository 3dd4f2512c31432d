package parser

import (
	"regexp"
	"strings"

	"github.com/EgorLis/Fishbot/internal/transport"
)

var (
	kvRe       = regexp.MustCompile(`([A-Za-z][A-Za-z0-9 _'-]{0,40}?)\s*:\s*([^,;|]+)`)
	nonIdentRe = regexp.MustCompile(`[^a-z0-9]+`)
)

const maxNameLen = 100

// EntityType — "prestige shop" -> "prestige_shop".
func EntityType(commandName string) string {
	return strings.Trim(nonIdentRe.ReplaceAllString(strings.ToLower(commandName), "_"), "_")
}

// ParseGeneric: каждая строка и каждое поле дают одну запись.
func ParseGeneric(commandName string, c transport.Content) []GenericEntity {
	typ := EntityType(commandName)
	var out []GenericEntity
	for _, l := range splitLines(c.Text) {
		out = append(out, lineEntity(typ, l))
	}
	for _, e := range c.Embeds {
		for _, l := range splitLines(e.Description) {
			out = append(out, lineEntity(typ, l))
		}
		for _, f := range e.Fields {
			if ent, ok := fieldEntity(typ, f); ok {
				out = append(out, ent)
			}
		}
	}
	return out
}

func lineEntity(typ, line string) GenericEntity {
	details := keyValues(line)
	name := line
	if len(details) > 0 {
		if i := strings.Index(line, ":"); i > 0 {
			name = strings.TrimSpace(line[:i])
		}
	} else {
		details = map[string]string{"raw": line}
	}
	return GenericEntity{EntityType: typ, Name: shorten(name), Details: details}
}

func fieldEntity(typ string, f transport.Field) (GenericEntity, bool) {
	name := clean(f.Name)
	value := strings.Join(splitLines(f.Value), "\n")
	if name == "" && value == "" {
		return GenericEntity{}, false
	}
	if name == "" {
		name = value
	}
	details := map[string]string{}
	for _, l := range splitLines(f.Value) {
		for k, v := range keyValues(l) {
			details[k] = v
		}
	}
	if len(details) == 0 {
		details["raw"] = value
	}
	return GenericEntity{EntityType: typ, Name: shorten(name), Details: details}, true
}

func keyValues(line string) map[string]string {
	ms := kvRe.FindAllStringSubmatch(line, -1)
	if len(ms) == 0 {
		return nil
	}
	out := make(map[string]string, len(ms))
	for _, m := range ms {
		k := EntityType(m[1])
		v := strings.TrimSpace(m[2])
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func shorten(s string) string {
	r := []rune(s)
	if len(r) > maxNameLen {
		return string(r[:maxNameLen])
	}
	return s
}
