package extract_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/fragmenta/pkg/core"
	"github.com/aretw0/fragmenta/pkg/extract"
)

func TestExtract(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload string
		path    string
	}{
		{"json string", `{"created":"2024-03-01T12:30:00Z"}`, "created"},
		{"json with offset", `{"created":"2024-03-01T13:30:00+01:00"}`, "created"},
		{"iri key with dots", `{"http://purl.org/dc/terms/created":"2024-03-01T12:30:00Z"}`, "http://purl.org/dc/terms/created"},
		{"nested path", `{"meta":{"observed":{"at":"2024-03-01T12:30:00Z"}}}`, "meta.observed.at"},
		{"unix millis", `{"ts":1709296200000}`, "ts"},
		{"json-ld value object", `{"created":{"@value":"2024-03-01T12:30:00Z","@type":"xsd:dateTime"}}`, "created"},
		{"array takes first", `{"created":["2024-03-01T12:30:00Z","2025-01-01T00:00:00Z"]}`, "created"},
		{"yaml payload", "created: \"2024-03-01T12:30:00Z\"\n", "created"},
	}

	x := extract.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := x.Extract([]byte(tt.payload), tt.path)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "expected %s, got %s", want, got)
		})
	}
}

func TestExtract_Failures(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		path    string
	}{
		{"missing key", `{"other":"2024-03-01T12:30:00Z"}`, "created"},
		{"not a date", `{"created":"yesterday"}`, "created"},
		{"null", `{"created":null}`, "created"},
		{"broken payload", `{"created":`, "created"},
		{"empty path", `{"created":"2024-03-01T12:30:00Z"}`, ""},
		{"path through scalar", `{"meta":"x"}`, "meta.at"},
		{"object without value", `{"created":{"@type":"xsd:dateTime"}}`, "created"},
	}

	x := extract.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := x.Extract([]byte(tt.payload), tt.path)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrExtraction)
		})
	}
}
