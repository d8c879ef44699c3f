// Package result defines the normalized shape every source connector returns,
// so the prompt builder and run tracker handle one representation regardless of
// which integration produced the data.
package result

import (
	"errors"
	"fmt"
	"time"
)

// Item is one piece of evidence returned by a connector.
type Item struct {
	Label     string         `json:"label"`
	Summary   string         `json:"summary,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp,omitempty"`
	URL       string         `json:"url,omitempty"`
}

// Error is the failure detail carried by an unsuccessful Result.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Result is the normalized output of one connector invocation.
type Result struct {
	Source        string `json:"source"`
	Success       bool   `json:"success"`
	StatusMessage string `json:"statusMessage"`
	Items         []Item `json:"items"`
	TotalCount    *int   `json:"totalCount,omitempty"`
	Error         *Error `json:"error,omitempty"`
	DurationMs    int64  `json:"durationMs"`
}

// Options tunes OK and Err.
type Options struct {
	StatusMessage string
	TotalCount    *int
	Code          string
	Duration      time.Duration
}

// OK builds a successful result. TotalCount defaults to len(items).
func OK(source string, items []Item, opts Options) Result {
	if items == nil {
		items = []Item{}
	}
	for i := range items {
		if items[i].Data == nil {
			items[i].Data = map[string]any{}
		}
	}
	msg := opts.StatusMessage
	if msg == "" {
		msg = fmt.Sprintf("Found %d result(s)", len(items))
	}
	total := opts.TotalCount
	if total == nil {
		n := len(items)
		total = &n
	}
	return Result{
		Source:        source,
		Success:       true,
		StatusMessage: msg,
		Items:         items,
		TotalCount:    total,
		DurationMs:    opts.Duration.Milliseconds(),
	}
}

// Err builds a failed result with no items.
func Err(source, message string, opts Options) Result {
	return Result{
		Source:        source,
		Success:       false,
		StatusMessage: "Error: " + message,
		Items:         []Item{},
		Error:         &Error{Code: opts.Code, Message: message},
		DurationMs:    opts.Duration.Milliseconds(),
	}
}

// ErrorMessage returns the failure text, or "" for a successful result.
func (r Result) ErrorMessage() string {
	if r.Success {
		return ""
	}
	if r.Error != nil && r.Error.Message != "" {
		return r.Error.Message
	}
	if r.StatusMessage != "" {
		return r.StatusMessage
	}
	return "unknown error"
}

// Validate checks the success/error/items invariant and that every item has a label.
func (r Result) Validate() error {
	if r.Source == "" {
		return errors.New("result: source is required")
	}
	if r.Success {
		if r.Error != nil {
			return errors.New("result: successful result must not carry an error")
		}
	} else {
		if len(r.Items) != 0 {
			return errors.New("result: failed result must not carry items")
		}
		if r.Error == nil {
			return errors.New("result: failed result must carry an error")
		}
	}
	for i, it := range r.Items {
		if it.Label == "" {
			return fmt.Errorf("result: item %d has no label", i)
		}
	}
	return nil
}
