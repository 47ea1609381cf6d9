package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Format writes the single-line user surface for an error:
// the typed kind, a human message, and (for trust/policy) the offending rule.
func Format(w io.Writer, err error) {
	if err == nil {
		return
	}
	var ce *CPMError
	if !errors.As(err, &ce) {
		fmt.Fprintf(w, "error: %s\n", err.Error())
		return
	}
	line := fmt.Sprintf("%s: %s", ce.Code, ce.Message)
	if rule := ce.Details["rule"]; rule != "" {
		line += fmt.Sprintf(" (rule: %s)", rule)
	}
	if component := ce.Details["component"]; component != "" {
		line += fmt.Sprintf(" (component: %s)", component)
	}
	fmt.Fprintln(w, line)
}

// jsonError is the JSON output surface: {ok:false, error:{kind, message, detail}}.
type jsonError struct {
	OK    bool            `json:"ok"`
	Error jsonErrorDetail `json:"error"`
}

type jsonErrorDetail struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// FormatJSON writes the JSON error envelope.
func FormatJSON(w io.Writer, err error) {
	if err == nil {
		return
	}
	payload := jsonError{Error: jsonErrorDetail{Kind: ErrCodeInternal, Message: err.Error()}}
	var ce *CPMError
	if errors.As(err, &ce) {
		payload.Error.Kind = ce.Code
		payload.Error.Message = ce.Message
		payload.Error.Detail = ce.Details
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}
