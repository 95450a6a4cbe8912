package httpclient

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/example/face-capture/internal/recognition"
)

var errInvalidJSON = errors.New("response is not valid JSON")

// first returns the first of paths that exists in doc.
func first(doc gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := doc.Get(p); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		doc := gjson.ParseBytes(body)
		if msg := first(doc, "message", "error.message", "error", "detail", "msg"); msg.Exists() && msg.Type == gjson.String {
			return msg.String()
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		return "no response body"
	}
	return text
}

func parseIdentity(doc gjson.Result) recognition.Identity {
	user := doc.Get("user")
	var id recognition.Identity
	if user.IsObject() {
		id.ID = first(user, "id", "user_id", "uid").String()
		id.Name = first(user, "name", "username", "full_name").String()
		id.CreatedAt = parseTime(first(user, "created_at", "registered_at"))
	}
	if id.ID == "" {
		id.ID = first(doc, "user_id", "id").String()
	}
	if id.Name == "" {
		id.Name = first(doc, "username", "name", "user_name").String()
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = parseTime(first(doc, "created_at", "registered_at"))
	}
	return id
}

func parseTime(r gjson.Result) time.Time {
	if !r.Exists() {
		return time.Time{}
	}
	if r.Type == gjson.Number {
		return time.Unix(r.Int(), 0).UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, r.String()); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseDiagnostics(doc gjson.Result) *recognition.Diagnostics {
	block := first(doc, "diagnostic", "diagnostics")
	errType := first(doc, "error_type")
	errCode := first(doc, "error_code")
	if !block.IsObject() && !errType.Exists() && !errCode.Exists() {
		return nil
	}

	d := &recognition.Diagnostics{}
	if block.IsObject() {
		if fd := block.Get("face_detected"); fd.Exists() && (fd.Type == gjson.True || fd.Type == gjson.False) {
			v := fd.Bool()
			d.FaceDetected = &v
		}
		d.ErrorType = block.Get("error_type").String()
		d.ErrorCode = block.Get("error_code").String()
		d.UsedMultiAngle = block.Get("used_multi_angle").Bool()
		d.FacesFound = int(first(block, "faces_found", "face_count").Int())
	}
	// Explicit top-level markers win over the nested block.
	if errType.Exists() {
		d.ErrorType = errType.String()
	}
	if errCode.Exists() {
		d.ErrorCode = errCode.String()
	}
	if !d.UsedMultiAngle {
		d.UsedMultiAngle = doc.Get("used_multi_angle").Bool()
	}
	return d
}

// parseConfidence returns the match score scaled to 0..1 and whether the
// response carried one.
func parseConfidence(doc gjson.Result) (float64, bool) {
	r := first(doc, "confidence", "user.confidence", "similarity", "score", "match_score")
	var c float64
	switch r.Type {
	case gjson.Number:
		c = r.Float()
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, false
		}
		c = f
	default:
		return 0, false
	}
	if c > 1 && c <= 100 {
		c /= 100
	}
	return c, true
}

// normalizeRecognition maps every known recognition response shape onto a
// recognition.Outcome.
func normalizeRecognition(body []byte) (recognition.Outcome, error) {
	if !gjson.ValidBytes(body) {
		return recognition.Outcome{}, errInvalidJSON
	}
	doc := gjson.ParseBytes(body)

	status := strings.ToLower(doc.Get("status").String())
	message := first(doc, "message", "detail", "error").String()
	diag := parseDiagnostics(doc)
	identity := parseIdentity(doc)
	confidence, scored := parseConfidence(doc)

	recognized := false
	if r := first(doc, "recognized", "match", "matched"); r.Exists() {
		recognized = r.Bool()
	} else {
		recognized = status != "error" && identity.ID != ""
	}

	if status == "error" || !recognized {
		outcome := recognition.NotRecognized(message, diag)
		outcome.Confidence = confidence
		outcome.ConfidenceReported = scored
		return outcome, nil
	}
	if !scored {
		return recognition.RecognizedUnscored(identity, diag), nil
	}
	return recognition.Recognized(identity, confidence, diag), nil
}

// normalizeRegistration maps a registration response onto KindRegistered, or
// KindNotRecognized carrying the backend's reason.
func normalizeRegistration(body []byte, name string) (recognition.Outcome, error) {
	if len(body) == 0 {
		return recognition.Registered(recognition.Identity{Name: name}), nil
	}
	if !gjson.ValidBytes(body) {
		return recognition.Outcome{}, errInvalidJSON
	}
	doc := gjson.ParseBytes(body)

	if strings.EqualFold(doc.Get("status").String(), "error") {
		return recognition.NotRecognized(first(doc, "message", "detail", "error").String(), parseDiagnostics(doc)), nil
	}

	identity := parseIdentity(doc)
	if data := doc.Get("data"); data.IsObject() {
		nested := parseIdentity(data)
		if identity.ID == "" {
			identity.ID = nested.ID
		}
		if identity.Name == "" {
			identity.Name = nested.Name
		}
	}
	if identity.Name == "" {
		identity.Name = name
	}
	return recognition.Registered(identity), nil
}

// normalizeListing accepts identities under data, users or items, or a bare
// top-level array.
func normalizeListing(body []byte) (recognition.Listing, error) {
	if !gjson.ValidBytes(body) {
		return recognition.Listing{}, errInvalidJSON
	}
	doc := gjson.ParseBytes(body)

	items := doc
	if !doc.IsArray() {
		items = first(doc, "data.users", "data.items", "data", "users", "items")
	}
	if !items.IsArray() {
		return recognition.Listing{}, errors.New("response carries no identity list")
	}

	var identities []recognition.Identity
	items.ForEach(func(_, value gjson.Result) bool {
		identities = append(identities, parseIdentity(value))
		return true
	})

	total := len(identities)
	if t := first(doc, "total", "count", "data.total"); t.Exists() && !doc.IsArray() {
		total = int(t.Int())
	}
	return recognition.Listing{Identities: identities, Total: total}, nil
}
