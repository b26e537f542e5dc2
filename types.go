package relay

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Typed payloads for the domain message catalogue. Payload shapes are
// validated at the parse boundary; a frame whose payload doesn't match
// its declared type is dropped, the same as a malformed frame.

// UMLGenerateRequest asks every member of a channel to kick off a static
// analysis pass. The relay never runs the analysis itself, it only fans
// the request out for an external engine to pick up.
type UMLGenerateRequest struct {
	RootPath        string   `json:"rootPath"`
	MaxFiles        int      `json:"maxFiles,omitempty"`
	IncludePatterns []string `json:"includePatterns,omitempty"`
	ExcludePatterns []string `json:"excludePatterns,omitempty"`
}

// CodeOpenRequest points every member at a file location.
type CodeOpenRequest struct {
	File   string `json:"file"`
	Line   int    `json:"line,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

// CodeHighlightRequest highlights a line range of a file for every member.
type CodeHighlightRequest struct {
	File  string `json:"file"`
	Range [2]int `json:"range"`
}

// Comment is a review comment anchored to a file and line. ID and
// CreatedAt are filled by the relay when the sender omits them.
type Comment struct {
	File      string `json:"file"`
	Line      int    `json:"line"`
	Text      string `json:"text"`
	ID        string `json:"id,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Export formats accepted by comments:export.
const (
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
)

// ExportRequest asks every member to export its local comment state.
// There is no authoritative server side comment store; each client reacts
// to the broadcast with its own state.
type ExportRequest struct {
	Format string `json:"format"`
}

// ValidatePayload checks the payload of a known message type against its
// declared shape. Unknown types pass; the dispatcher logs and ignores
// them. A validation failure means the frame is dropped.
func ValidatePayload(e *Envelope) error {
	switch e.Type {
	case MessageUMLGenerate:
		var req UMLGenerateRequest
		if err := bindStrict(e.Payload, &req); err != nil {
			return err
		}
		if req.RootPath == "" {
			return errors.New("uml:generate requires rootPath")
		}
	case MessageCodeOpen:
		var req CodeOpenRequest
		if err := bindStrict(e.Payload, &req); err != nil {
			return err
		}
		if req.File == "" {
			return errors.New("code:open requires file")
		}
	case MessageCodeHighlight:
		var req CodeHighlightRequest
		if err := bindStrict(e.Payload, &req); err != nil {
			return err
		}
		if req.File == "" {
			return errors.New("code:highlight requires file")
		}
	case MessageCommentUpsert:
		var c Comment
		if err := bindStrict(e.Payload, &c); err != nil {
			return err
		}
		if c.File == "" || c.Text == "" {
			return errors.New("comments:upsert requires file and text")
		}
	case MessageCommentExport:
		var req ExportRequest
		if err := bindStrict(e.Payload, &req); err != nil {
			return err
		}
		switch req.Format {
		case FormatJSON, FormatCSV, FormatMarkdown:
		default:
			return errors.Errorf("comments:export format %q not supported", req.Format)
		}
	}
	return nil
}

func bindStrict(raw json.RawMessage, v interface{}) error {
	if raw == nil {
		return errors.New("payload required")
	}
	return errors.Wrap(json.Unmarshal(raw, v), "bind payload")
}
