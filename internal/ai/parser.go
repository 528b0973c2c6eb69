package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var thinkTagRegex = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkTags removes reasoning tags some models put before the answer.
func StripThinkTags(text string) string {
	return strings.TrimSpace(thinkTagRegex.ReplaceAllString(text, ""))
}

// Kind is the type a grammar field's value is coerced to.
type Kind int

const (
	KindString Kind = iota
	KindFloat
	KindBool
	KindEnum
)

// Field declares one recognized key of a grammar.
type Field struct {
	Key     string
	Aliases []string
	Kind    Kind
	// Enum lists accepted values of a KindEnum field. With Open set,
	// values outside the list are kept (normalized) instead of rejected.
	Enum []string
	Open bool
}

// Grammar is a declared KEY: value format. Parsing never fails: input that
// yields no recognized key comes back as an Unparseable result.
type Grammar struct {
	Name   string
	fields []Field
	index  map[string]int
}

func NewGrammar(name string, fields ...Field) *Grammar {
	g := &Grammar{Name: name, fields: fields, index: make(map[string]int)}
	for i := range g.fields {
		f := &g.fields[i]
		g.index[normalizeKey(f.Key)] = i
		for _, a := range f.Aliases {
			g.index[normalizeKey(a)] = i
		}
		if f.Kind == KindEnum {
			// Longest first so CLOSE_MANUAL wins over CLOSE inside free text.
			sort.SliceStable(f.Enum, func(a, b int) bool { return len(f.Enum[a]) > len(f.Enum[b]) })
		}
	}
	return g
}

// Keys returns the canonical keys in declaration order.
func (g *Grammar) Keys() []string {
	keys := make([]string, len(g.fields))
	for i, f := range g.fields {
		keys[i] = strings.ToUpper(f.Key)
	}
	return keys
}

// Parsed is the result of Grammar.Parse.
type Parsed struct {
	Values      map[string]any
	Unparseable bool
	Reason      string
	Rejected    []string // keys present with values that failed coercion
}

func (p Parsed) String(key string) (string, bool) {
	v, ok := p.Values[key].(string)
	return v, ok
}

func (p Parsed) Float(key string) (float64, bool) {
	v, ok := p.Values[key].(float64)
	return v, ok
}

func (p Parsed) Bool(key string) (bool, bool) {
	v, ok := p.Values[key].(bool)
	return v, ok
}

var (
	placeholderRegex = regexp.MustCompile(`\{[A-Z][A-Z0-9_]{2,}\}`)
	numberRegex      = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)
)

// echoMarkers are phrases that only occur in prompt templates.
var echoMarkers = []string{
	extractionPreamble,
	valuePlaceholder,
	"Ekstrak informasi",
}

// TemplateEcho reports whether text looks like a prompt template returned
// verbatim by the model rather than an analysis.
func TemplateEcho(text string) bool {
	if placeholderRegex.MatchString(text) {
		return true
	}
	for _, m := range echoMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// Parse scans text for KEY: value lines (or a JSON object) and coerces every
// recognized value. Markdown bullets, bold markers and code fences are ignored.
// When a key repeats, the last occurrence wins: summary blocks come last.
func (g *Grammar) Parse(text string) Parsed {
	p := Parsed{Values: make(map[string]any)}

	cleaned := stripFences(StripThinkTags(text))
	if cleaned == "" {
		p.Unparseable, p.Reason = true, "empty text"
		return p
	}
	if TemplateEcho(cleaned) {
		p.Unparseable, p.Reason = true, "model echoed the prompt template"
		return p
	}

	if obj, ok := jsonObject(cleaned); ok {
		for k, raw := range obj {
			if raw != nil {
				g.assign(&p, k, fmt.Sprint(raw))
			}
		}
	}
	if len(p.Values) == 0 {
		for _, line := range strings.Split(cleaned, "\n") {
			key, value, ok := splitLine(line)
			if !ok {
				continue
			}
			g.assign(&p, key, value)
		}
	}

	if len(p.Values) == 0 {
		p.Unparseable = true
		if len(p.Rejected) > 0 {
			p.Reason = fmt.Sprintf("no usable values for %s", strings.Join(p.Rejected, ", "))
		} else {
			p.Reason = fmt.Sprintf("none of %s found", strings.Join(g.Keys(), ", "))
		}
	}
	return p
}

func (g *Grammar) assign(p *Parsed, rawKey, rawValue string) {
	i, ok := g.index[normalizeKey(rawKey)]
	if !ok {
		return
	}
	f := g.fields[i]
	v, ok := coerce(f, cleanValue(rawValue))
	if !ok {
		p.Rejected = append(p.Rejected, f.Key)
		return
	}
	p.Values[f.Key] = v
}

func coerce(f Field, v string) (any, bool) {
	if v == "" {
		return nil, false
	}
	switch f.Kind {
	case KindFloat:
		return parseNumber(v)
	case KindBool:
		return parseBool(v)
	case KindEnum:
		return parseEnum(f, v)
	default:
		return v, true
	}
}

func parseNumber(v string) (float64, bool) {
	m := numberRegex.FindString(v)
	if m == "" {
		return 0, false
	}
	if !strings.Contains(m, ".") {
		m = strings.Replace(m, ",", ".", 1)
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseBool(v string) (bool, bool) {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return false, false
	}
	word := strings.ToLower(fields[0])
	word = strings.Trim(word, ".,;!()")
	switch word {
	case "true", "yes", "y", "ya", "1", "detected", "confirmed":
		return true, true
	case "false", "no", "n", "tidak", "0", "none", "not":
		return false, true
	}
	return false, false
}

func parseEnum(f Field, v string) (string, bool) {
	norm := normalizeWord(v)
	for _, e := range f.Enum {
		if norm == e {
			return e, true
		}
	}
	upper := strings.ToUpper(v)
	spaced := strings.ReplaceAll(upper, " ", "_")
	for _, e := range f.Enum {
		if strings.Contains(spaced, e) {
			return e, true
		}
	}
	if f.Open && norm != "" {
		return norm, true
	}
	return "", false
}

// normalizeWord reduces "no trade (waiting)" to NO_TRADE.
func normalizeWord(v string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if i := strings.IndexAny(v, "(,;."); i >= 0 {
		v = v[:i]
	}
	if i := strings.Index(v, " - "); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimSpace(v)
	v = strings.NewReplacer(" ", "_", "-", "_").Replace(v)
	return strings.Trim(v, "_")
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.NewReplacer("*", "", "`", "", "#", "", "\"", "").Replace(k)
	k = strings.TrimLeft(k, "-•>0123456789. ")
	k = strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(k))
	return strings.Trim(k, "_")
}

func cleanValue(v string) string {
	v = strings.NewReplacer("**", "", "`", "").Replace(v)
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(v), `"'`))
}

// splitLine cuts "KEY: value". Lines whose key part reads like prose are skipped.
func splitLine(line string) (string, string, bool) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || len(key) > 40 || strings.Count(key, " ") > 3 {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```text")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func jsonObject(s string) (map[string]any, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return nil, false
	}
	return obj, true
}
