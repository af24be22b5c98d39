// Package extract pulls human-readable text out of worker payloads. Each
// function walks one fixed, ordered list of gjson paths; the first non-blank
// string wins. Add a path here rather than scanning payloads elsewhere.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// ResultPaths is the accessor chain for an analysis callback body.
var ResultPaths = []string{
	"result",
	"improvedLead",
	"result.improvedLead",
	"result.output",
	"result.text",
	"output",
	"data.improvedLead",
}

// ReplyPaths is the accessor chain for a chat callback body.
var ReplyPaths = []string{
	"reply",
	"reply.text",
	"reply.output",
	"output",
	"text",
	"message",
}

// TitlePaths is the accessor chain for a title in submission metadata.
var TitlePaths = []string{
	"title",
	"metadata.title",
	"data.title",
}

func firstString(body []byte, paths []string) (string, bool) {
	for _, p := range paths {
		r := gjson.GetBytes(body, p)
		if r.Type != gjson.String {
			continue
		}
		if s := strings.TrimSpace(r.Str); s != "" {
			return r.Str, true
		}
	}
	return "", false
}

// ResultText returns the first string along ResultPaths, or "".
func ResultText(body []byte) string {
	s, _ := firstString(body, ResultPaths)
	return s
}

// ReplyText returns the reply text. A structured reply with no string
// along ReplyPaths is returned JSON-encoded.
func ReplyText(body []byte) string {
	if s, ok := firstString(body, ReplyPaths); ok {
		return s
	}
	r := gjson.GetBytes(body, "reply")
	if r.IsObject() || r.IsArray() {
		return r.Raw
	}
	if r.Exists() && r.Type != gjson.Null {
		return r.String()
	}
	return ""
}

// Title returns the title from auxiliary submission data, or "".
func Title(aux map[string]interface{}) string {
	if len(aux) == 0 {
		return ""
	}
	b, err := json.Marshal(aux)
	if err != nil {
		return ""
	}
	s, _ := firstString(b, TitlePaths)
	return s
}
