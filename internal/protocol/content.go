package protocol

import (
	"encoding/json"
	"fmt"
)

// ContentKind enumerates the closed set of message content variants.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindVideo ContentKind = "video"
	KindFile  ContentKind = "file"
	KindVoice ContentKind = "voice"
)

// Content is a tagged union of message payload variants. Exactly one variant
// field is non-nil, matching Kind. Encode and decode are exhaustive over the
// kinds; an unknown kind is a decode error, never silent truncation.
type Content struct {
	Kind  ContentKind
	Text  *TextContent
	Image *ImageContent
	Video *VideoContent
	File  *FileContent
	Voice *VoiceContent
}

// TextContent is a plain text message body.
type TextContent struct {
	Body string `json:"body"`
}

// ImageContent references an uploaded image.
type ImageContent struct {
	URL     string `json:"url"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// VideoContent references an uploaded video.
type VideoContent struct {
	URL          string `json:"url"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// FileContent references an uploaded document.
type FileContent struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
}

// VoiceContent references a recorded voice note.
type VoiceContent struct {
	URL        string `json:"url"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// NewText is a convenience constructor for the common case.
func NewText(body string) Content {
	return Content{Kind: KindText, Text: &TextContent{Body: body}}
}

// Preview returns a short human-readable summary used for room list rows.
func (c Content) Preview() string {
	switch c.Kind {
	case KindText:
		if c.Text == nil {
			return ""
		}
		return c.Text.Body
	case KindImage:
		return "[image]"
	case KindVideo:
		return "[video]"
	case KindFile:
		if c.File != nil && c.File.Name != "" {
			return "[file] " + c.File.Name
		}
		return "[file]"
	case KindVoice:
		return "[voice]"
	default:
		return ""
	}
}

type contentWire struct {
	Kind  ContentKind   `json:"kind"`
	Text  *TextContent  `json:"text,omitempty"`
	Image *ImageContent `json:"image,omitempty"`
	Video *VideoContent `json:"video,omitempty"`
	File  *FileContent  `json:"file,omitempty"`
	Voice *VoiceContent `json:"voice,omitempty"`
}

// MarshalJSON encodes the active variant only.
func (c Content) MarshalJSON() ([]byte, error) {
	w := contentWire{Kind: c.Kind}
	switch c.Kind {
	case KindText:
		if c.Text == nil {
			return nil, fmt.Errorf("content kind %q has no text payload", c.Kind)
		}
		w.Text = c.Text
	case KindImage:
		if c.Image == nil {
			return nil, fmt.Errorf("content kind %q has no image payload", c.Kind)
		}
		w.Image = c.Image
	case KindVideo:
		if c.Video == nil {
			return nil, fmt.Errorf("content kind %q has no video payload", c.Kind)
		}
		w.Video = c.Video
	case KindFile:
		if c.File == nil {
			return nil, fmt.Errorf("content kind %q has no file payload", c.Kind)
		}
		w.File = c.File
	case KindVoice:
		if c.Voice == nil {
			return nil, fmt.Errorf("content kind %q has no voice payload", c.Kind)
		}
		w.Voice = c.Voice
	default:
		return nil, fmt.Errorf("unknown content kind %q", c.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the variant named by kind.
func (c *Content) UnmarshalJSON(data []byte) error {
	var w contentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Content{Kind: w.Kind}
	switch w.Kind {
	case KindText:
		if w.Text == nil {
			return fmt.Errorf("content kind %q missing text payload", w.Kind)
		}
		out.Text = w.Text
	case KindImage:
		if w.Image == nil {
			return fmt.Errorf("content kind %q missing image payload", w.Kind)
		}
		out.Image = w.Image
	case KindVideo:
		if w.Video == nil {
			return fmt.Errorf("content kind %q missing video payload", w.Kind)
		}
		out.Video = w.Video
	case KindFile:
		if w.File == nil {
			return fmt.Errorf("content kind %q missing file payload", w.Kind)
		}
		out.File = w.File
	case KindVoice:
		if w.Voice == nil {
			return fmt.Errorf("content kind %q missing voice payload", w.Kind)
		}
		out.Voice = w.Voice
	default:
		return fmt.Errorf("unknown content kind %q", w.Kind)
	}
	*c = out
	return nil
}
