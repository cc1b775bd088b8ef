package report

import (
	"strings"
	"time"
)

// PathTemplate generates object key prefixes from templates
type PathTemplate struct {
	template string
}

func NewPathTemplate(template string) *PathTemplate {
	return &PathTemplate{template: template}
}

// Generate replaces placeholders in the template with actual values.
// Supports: {table}, {run}, {YYYY}, {MM}, {DD}, {HH}
func (pt *PathTemplate) Generate(tableName, runID string, timestamp time.Time) string {
	result := pt.template

	result = strings.ReplaceAll(result, "{table}", tableName)
	result = strings.ReplaceAll(result, "{run}", runID)

	result = strings.ReplaceAll(result, "{YYYY}", timestamp.Format("2006"))
	result = strings.ReplaceAll(result, "{MM}", timestamp.Format("01"))
	result = strings.ReplaceAll(result, "{DD}", timestamp.Format("02"))
	result = strings.ReplaceAll(result, "{HH}", timestamp.Format("15"))

	return result
}

// GenerateFilename names one archive: <table>-<YYYY-MM-DD-HHMMSS><format ext><compression ext>
func GenerateFilename(tableName string, timestamp time.Time, formatExt, compressionExt string) string {
	filename := tableName + "-" + timestamp.Format("2006-01-02-150405") + formatExt
	if compressionExt != "" {
		filename += compressionExt
	}
	return filename
}
