package node

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"

	"github.com/dshills/flowrun/flow"
)

// filePreviewLimit caps the preview length attached to file-upload output.
const filePreviewLimit = 500

// FileUploadNode parses an uploaded file into a structured representation.
type FileUploadNode struct{}

// Type returns "file-upload".
func (n *FileUploadNode) Type() string { return TypeFileUpload }

// Validate requires content and a supported format.
func (n *FileUploadNode) Validate(config map[string]any) flow.ValidationResult {
	if configString(config, "fileContent") == "" {
		return flow.Invalid("file-upload requires fileContent")
	}
	switch configString(config, "fileFormat") {
	case "csv", "json", "txt", "pdf":
		return flow.ValidOK()
	}
	return flow.Invalid("fileFormat must be csv, json, txt or pdf")
}

// Execute parses the file per its format.
func (n *FileUploadNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	config := input.Metadata.NodeConfig
	content := configString(config, "fileContent")
	format := configString(config, "fileFormat")
	name := configString(config, "fileName")

	out := map[string]any{
		"fileName":   name,
		"fileFormat": format,
		"sizeBytes":  len(content),
		"preview":    preview(content),
	}

	switch format {
	case "json":
		var parsed any
		if err := json.Unmarshal([]byte(content), &parsed); err != nil {
			return flow.NodeOutput{}, execErrCause(rc, err, "parse json file")
		}
		out["parsed"] = parsed
	case "csv":
		records, err := csv.NewReader(strings.NewReader(content)).ReadAll()
		if err != nil {
			return flow.NodeOutput{}, execErrCause(rc, err, "parse csv file")
		}
		rows := make([]any, 0)
		var headers []string
		if len(records) > 0 {
			headers = records[0]
			for _, record := range records[1:] {
				row := make(map[string]any, len(headers))
				for i, h := range headers {
					if i < len(record) {
						row[h] = record[i]
					}
				}
				rows = append(rows, row)
			}
		}
		headerList := make([]any, len(headers))
		for i, h := range headers {
			headerList[i] = h
		}
		out["headers"] = headerList
		out["rows"] = rows
		out["rowCount"] = len(rows)
	case "txt":
		lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
		lineList := make([]any, len(lines))
		for i, l := range lines {
			lineList[i] = l
		}
		out["lines"] = lineList
		out["lineCount"] = len(lines)
	case "pdf":
		// PDFs arrive pre-extracted by the upload layer; the raw text is
		// carried through unparsed.
		out["text"] = content
	}

	return flow.NodeOutput{Data: out}, nil
}

func preview(content string) string {
	if len(content) <= filePreviewLimit {
		return content
	}
	return content[:filePreviewLimit]
}
