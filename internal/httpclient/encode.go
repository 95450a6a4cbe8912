package httpclient

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strconv"

	"github.com/example/face-capture/internal/imageprocessor"
	"github.com/example/face-capture/internal/recognition"
)

// Strategy is how an image is carried in the request body.
type Strategy string

const (
	StrategyMultipart Strategy = "multipart"
	StrategyInline    Strategy = "inline"
)

// SelectStrategy picks multipart above threshold bytes and inline base64 JSON
// otherwise. The choice depends only on size.
func SelectStrategy(size, threshold int) Strategy {
	if size > threshold {
		return StrategyMultipart
	}
	return StrategyInline
}

type inlineRecognition struct {
	Image         string `json:"image"`
	MIMEType      string `json:"mime_type"`
	UseMultiAngle bool   `json:"use_multi_angle"`
}

func encodeRecognition(strategy Strategy, img imageprocessor.PreparedImage, useMultiAngle bool) (io.Reader, string, error) {
	if strategy == StrategyInline {
		payload, err := json.Marshal(inlineRecognition{
			Image:         base64.StdEncoding.EncodeToString(img.Data),
			MIMEType:      mimeOf(img),
			UseMultiAngle: useMultiAngle,
		})
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(payload), "application/json", nil
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := writeFile(w, img); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("use_multi_angle", strconv.FormatBool(useMultiAngle)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &body, w.FormDataContentType(), nil
}

// reservedFields cannot be overridden by pass-through metadata.
var reservedFields = map[string]bool{"name": true, "file": true, "guardian_child": true}

func encodeRegistration(img imageprocessor.PreparedImage, meta recognition.Metadata) (io.Reader, string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if err := w.WriteField("name", meta.Name); err != nil {
		return nil, "", err
	}
	if err := writeFile(w, img); err != nil {
		return nil, "", err
	}

	keys := make([]string, 0, len(meta.Fields))
	for k, v := range meta.Fields {
		if reservedFields[k] || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, meta.Fields[k]); err != nil {
			return nil, "", err
		}
	}

	if len(meta.GuardianChild) > 0 {
		nested, err := json.Marshal(meta.GuardianChild)
		if err != nil {
			return nil, "", fmt.Errorf("encode guardian_child: %w", err)
		}
		if err := w.WriteField("guardian_child", string(nested)); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &body, w.FormDataContentType(), nil
}

func writeFile(w *multipart.Writer, img imageprocessor.PreparedImage) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="capture.jpg"`)
	header.Set("Content-Type", mimeOf(img))
	part, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(img.Data)
	return err
}

func mimeOf(img imageprocessor.PreparedImage) string {
	if img.MIMEType != "" {
		return img.MIMEType
	}
	return imageprocessor.OutputMIMEType
}
