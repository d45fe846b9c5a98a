package archive

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/basekick-labs/keepsake/internal/manifest"
)

//go:embed templates/archive.html
var templateFS embed.FS

// payloadMarker is rendered where the inline MIME body goes. It contains only
// characters html/template leaves unescaped.
const payloadMarker = "KEEPSAKE_INLINE_MIME_PAYLOAD_4f1d9c"

// maxHeadSize leaves room within scanLimit for the MIME marker and header lines.
const maxHeadSize = scanLimit - 4096

// Page is the human-readable content of an archive.
type Page struct {
	Lang         string
	Title        string
	Heading      string
	Intro        string
	Instructions string
	AppName      string
	ProfileName  string
	MachineName  string
	Date         string
	Encrypted    bool
	SupportURL   string
	DownloadURL  string
}

// DefaultPage fills a Page from the archive metadata.
func DefaultPage(meta manifest.Meta, encrypted bool, supportURL, downloadURL string) Page {
	return Page{
		Lang:         "en",
		Title:        fmt.Sprintf("%s backup", meta.AppName),
		Heading:      fmt.Sprintf("This is a backup of your %s profile", meta.AppName),
		Intro:        "This file contains your profile data. Keep it somewhere safe.",
		Instructions: fmt.Sprintf("To restore it, install %s and choose this file when asked to restore from a backup.", meta.AppName),
		AppName:      meta.AppName,
		ProfileName:  meta.ProfileName,
		MachineName:  meta.MachineName,
		Date:         meta.Date.UTC().Format(time.RFC1123),
		Encrypted:    encrypted,
		SupportURL:   supportURL,
		DownloadURL:  downloadURL,
	}
}

type templateData struct {
	Page
	Payload string
}

// DefaultTemplate returns the embedded page template.
func DefaultTemplate() (*template.Template, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/archive.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded archive template: %w", err)
	}
	return tmpl, nil
}

// LoadTemplate parses a page template from disk. It must render {{.Payload}} exactly once.
func LoadTemplate(path string) (*template.Template, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse archive template %s: %w", path, err)
	}
	return tmpl, nil
}

// render executes tmpl and splits the result around the payload position.
func render(tmpl *template.Template, page Page) (head, tail []byte, err error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, templateData{Page: page, Payload: payloadMarker}); err != nil {
		return nil, nil, fmt.Errorf("failed to render archive template: %w", err)
	}
	out := buf.Bytes()
	if n := strings.Count(buf.String(), payloadMarker); n != 1 {
		return nil, nil, fmt.Errorf("archive template must render the payload exactly once, found %d", n)
	}
	i := bytes.Index(out, []byte(payloadMarker))
	if i > maxHeadSize {
		return nil, nil, fmt.Errorf("archive template renders %d bytes before the payload, at most %d allowed", i, maxHeadSize)
	}
	head = out[:i]
	tail = out[i+len(payloadMarker):]
	return head, tail, nil
}
