package sandbox

import (
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed envelope.schema.json
var envelopeSchemaJSON string

// envelopeSchema validates raw container output before it is decoded, so a
// malformed document is reported as a decode failure inside the envelope
// instead of producing a half-filled result.
var envelopeSchema = jsonschema.MustCompileString("envelope.schema.json", envelopeSchemaJSON)

// ResultKind discriminates the typed result payload of one execution.
type ResultKind string

const (
	ResultNone   ResultKind = "none"
	ResultTable  ResultKind = "table"
	ResultSeries ResultKind = "series"
	ResultArray  ResultKind = "array"
	ResultScalar ResultKind = "other"
)

// Table is a columnar result payload.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Series is an indexed one-dimensional result payload.
type Series struct {
	Name   string `json:"name"`
	Index  []any  `json:"index"`
	Values []any  `json:"values"`
}

// Result is the tagged union of the kind-dependent payloads. Exactly the
// variant named by Kind is populated.
type Result struct {
	Kind   ResultKind
	Table  *Table
	Series *Series
	Array  []any
	Scalar string
}

// Envelope is the structured outcome of one Execute call. It is produced
// once and never partially updated: syntax, timeout, and decode failures
// are all folded into Success=false rather than thrown.
type Envelope struct {
	Success     bool
	Stdout      string
	Error       string
	Result      Result
	HasFigure   bool
	FigureBytes []byte
}

// wireEnvelope is the on-disk schema written by the container side.
type wireEnvelope struct {
	Success    bool            `json:"success"`
	Output     string          `json:"output"`
	Error      string          `json:"error"`
	Result     json.RawMessage `json:"result,omitempty"`
	ResultType string          `json:"result_type,omitempty"`
	HasFigure  bool            `json:"has_figure,omitempty"`
	FigureData string          `json:"figure_data,omitempty"`
}

// DecodeEnvelope validates and decodes the container's output document.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("envelope is not valid JSON: %w", err)
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("envelope failed schema validation: %w", err)
	}

	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	env := &Envelope{
		Success:   w.Success,
		Stdout:    w.Output,
		Error:     w.Error,
		HasFigure: w.HasFigure,
	}

	if w.HasFigure {
		fig, err := base64.StdEncoding.DecodeString(w.FigureData)
		if err != nil {
			return nil, fmt.Errorf("decode figure data: %w", err)
		}
		env.FigureBytes = fig
	}

	res, err := decodeResult(w.ResultType, w.Result)
	if err != nil {
		return nil, err
	}
	env.Result = res
	return env, nil
}

// decodeResult maps the dynamic result/result_type pair onto the tagged
// union, one explicit variant per kind.
func decodeResult(kind string, raw json.RawMessage) (Result, error) {
	if kind == "" || len(raw) == 0 {
		return Result{Kind: ResultNone}, nil
	}
	switch ResultKind(kind) {
	case ResultTable:
		var t Table
		if err := json.Unmarshal(raw, &t); err != nil {
			return Result{}, fmt.Errorf("decode table result: %w", err)
		}
		return Result{Kind: ResultTable, Table: &t}, nil
	case ResultSeries:
		var s Series
		if err := json.Unmarshal(raw, &s); err != nil {
			return Result{}, fmt.Errorf("decode series result: %w", err)
		}
		return Result{Kind: ResultSeries, Series: &s}, nil
	case ResultArray:
		var a []any
		if err := json.Unmarshal(raw, &a); err != nil {
			return Result{}, fmt.Errorf("decode array result: %w", err)
		}
		return Result{Kind: ResultArray, Array: a}, nil
	case ResultScalar:
		// "other" results arrive either pre-stringified or as a bare
		// JSON value; both decode to their textual form.
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return Result{Kind: ResultScalar, Scalar: s}, nil
		}
		return Result{Kind: ResultScalar, Scalar: strings.TrimSpace(string(raw))}, nil
	default:
		return Result{}, fmt.Errorf("unknown result_type %q", kind)
	}
}
