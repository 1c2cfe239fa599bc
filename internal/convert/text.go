package convert

import (
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// convertText passes plain text and CSV through unchanged as a single unit.
func convertText(nativePath string) (*Result, error) {
	data, err := readNative(nativePath)
	if err != nil {
		return nil, err
	}
	return &Result{
		Units:     []Unit{{Index: 0, Path: nativePath}},
		Text:      string(data),
		PageCount: 1,
	}, nil
}

// convertEmail renders the message headers followed by the body, so the TEXT
// artifact reads like the original message.
func convertEmail(nativePath string) (*Result, error) {
	data, err := readNative(nativePath)
	if err != nil {
		return nil, err
	}
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, &pipeline.AdapterError{Op: "convert", Transient: false, Err: fmt.Errorf("read message: %w", err)}
	}
	var out strings.Builder
	for _, h := range []string{"From", "To", "Cc", "Subject", "Date"} {
		if v := msg.Header.Get(h); v != "" {
			fmt.Fprintf(&out, "%s: %s\n", h, v)
		}
	}
	out.WriteString("\n")
	body, err := io.ReadAll(io.LimitReader(msg.Body, 10<<20))
	if err == nil {
		out.Write(body)
	}
	return &Result{
		Units:     []Unit{{Index: 0, Path: nativePath}},
		Text:      out.String(),
		PageCount: 1,
	}, nil
}
