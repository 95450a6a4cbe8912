package httpclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/face-capture/internal/diagnostics"
	"github.com/example/face-capture/internal/recognition"
)

func TestNormalizeRecognitionShapes(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		kind       recognition.OutcomeKind
		id, user   string
		confidence float64
		reason     string
	}{
		{
			name: "nested user",
			body: `{"status":"success","recognized":true,"confidence":0.9,"user":{"id":"1","name":"Ana"}}`,
			kind: recognition.KindRecognized, id: "1", user: "Ana", confidence: 0.9,
		},
		{
			name: "flat fields",
			body: `{"status":"success","recognized":true,"confidence":0.8,"user_id":"2","username":"Bo"}`,
			kind: recognition.KindRecognized, id: "2", user: "Bo", confidence: 0.8,
		},
		{
			name: "percentage similarity, recognized inferred",
			body: `{"status":"success","user":{"user_id":"3","username":"Cy"},"similarity":88}`,
			kind: recognition.KindRecognized, id: "3", user: "Cy", confidence: 0.88,
		},
		{
			name: "not recognized",
			body: `{"status":"success","recognized":false,"message":"No face detected"}`,
			kind: recognition.KindNotRecognized, reason: "No face detected",
		},
		{
			name: "error status",
			body: `{"status":"error","message":"Processing failed","recognized":true,"user_id":"9"}`,
			kind: recognition.KindNotRecognized, reason: "Processing failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := normalizeRecognition([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, outcome.Kind)
			assert.InDelta(t, tt.confidence, outcome.Confidence, 1e-9)
			assert.Equal(t, tt.reason, outcome.Reason)
			if tt.kind == recognition.KindRecognized {
				require.NotNil(t, outcome.Identity)
				assert.Equal(t, tt.id, outcome.Identity.ID)
				assert.Equal(t, tt.user, outcome.Identity.Name)
			}
		})
	}
}

func TestNormalizeRecognitionWithoutConfidenceIsCleanMatch(t *testing.T) {
	outcome, err := normalizeRecognition([]byte(`{"status":"success","recognized":true,"user":{"id":"1"}}`))
	require.NoError(t, err)
	assert.Equal(t, recognition.KindRecognized, outcome.Kind)
	assert.False(t, outcome.ConfidenceReported)
	assert.Equal(t, diagnostics.Success, diagnostics.Classify(outcome))

	outcome, err = normalizeRecognition([]byte(`{"status":"success","recognized":true,"user":{"id":"1"},"confidence":0.4}`))
	require.NoError(t, err)
	assert.True(t, outcome.ConfidenceReported)
	assert.Equal(t, diagnostics.LowConfidenceMatch, diagnostics.Classify(outcome))

	outcome, err = normalizeRecognition([]byte(`{"status":"success","recognized":true,"user":{"id":"1"},"confidence":"0.91"}`))
	require.NoError(t, err)
	assert.True(t, outcome.ConfidenceReported)
	assert.InDelta(t, 0.91, outcome.Confidence, 1e-9)
}

func TestNormalizeRecognitionDiagnostics(t *testing.T) {
	body := `{"status":"success","recognized":false,"message":"x","error_type":"no_face",
		"diagnostic":{"face_detected":false,"error_type":"other","used_multi_angle":true,"faces_found":0}}`

	outcome, err := normalizeRecognition([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, outcome.Diagnostics)
	require.NotNil(t, outcome.Diagnostics.FaceDetected)
	assert.False(t, *outcome.Diagnostics.FaceDetected)
	assert.Equal(t, "no_face", outcome.Diagnostics.ErrorType)
	assert.True(t, outcome.Diagnostics.UsedMultiAngle)

	outcome, err = normalizeRecognition([]byte(`{"status":"success","recognized":false}`))
	require.NoError(t, err)
	assert.Nil(t, outcome.Diagnostics)
}

func TestNormalizeRecognitionRejectsInvalidJSON(t *testing.T) {
	_, err := normalizeRecognition([]byte("<html>bad gateway</html>"))
	assert.ErrorIs(t, err, errInvalidJSON)
}

func TestNormalizeListingShapes(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		ids   []string
		total int
	}{
		{"data array", `{"status":"success","data":[{"id":"1","name":"A"},{"user_id":"2","username":"B"}]}`, []string{"1", "2"}, 2},
		{"users with total", `{"users":[{"id":"1"}],"total":40}`, []string{"1"}, 40},
		{"bare array", `[{"id":"5"}]`, []string{"5"}, 1},
		{"nested data.users", `{"data":{"users":[{"id":"8"}],"total":3}}`, []string{"8"}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listing, err := normalizeListing([]byte(tt.body))
			require.NoError(t, err)
			var ids []string
			for _, id := range listing.Identities {
				ids = append(ids, id.ID)
			}
			assert.Equal(t, tt.ids, ids)
			assert.Equal(t, tt.total, listing.Total)
			assert.False(t, listing.Degraded)
		})
	}

	_, err := normalizeListing([]byte(`{"status":"success"}`))
	assert.Error(t, err)
}

func TestNormalizeRegistration(t *testing.T) {
	outcome, err := normalizeRegistration([]byte(`{"status":"success","user":{"id":"4","name":"Di"}}`), "fallback")
	require.NoError(t, err)
	assert.Equal(t, recognition.KindRegistered, outcome.Kind)
	assert.Equal(t, "Di", outcome.Identity.Name)

	outcome, err = normalizeRegistration([]byte(`{"status":"error","message":"Duplicate face"}`), "x")
	require.NoError(t, err)
	assert.Equal(t, recognition.KindNotRecognized, outcome.Kind)
	assert.Equal(t, "Duplicate face", outcome.Reason)

	outcome, err = normalizeRegistration(nil, "Ed")
	require.NoError(t, err)
	assert.Equal(t, "Ed", outcome.Identity.Name)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "Name is required", errorMessage([]byte(`{"message":"Name is required"}`)))
	assert.Equal(t, "bad", errorMessage([]byte(`{"error":{"message":"bad"}}`)))
	assert.Equal(t, "plain text", errorMessage([]byte("plain text")))
	assert.Equal(t, "no response body", errorMessage(nil))
}
