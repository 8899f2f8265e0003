package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/sagastore/internal/saga"
)

// correlationFlags are the --property/--value pair shared by lookups.
type correlationFlags struct {
	Property string
	Value    string
}

func (c *correlationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&c.Property, "property", "p", "", "correlation property name")
	cmd.Flags().StringVar(&c.Value, "value", "", `correlation value as JSON, e.g. '"A1"' or 42`)
}

// parse returns saga.NoCorrelation when no property was given.
func (c *correlationFlags) parse() (saga.CorrelationProperty, error) {
	if c.Property == "" {
		if c.Value != "" {
			return saga.NoCorrelation, NewExitError(ExitCommandError, ErrCodeInvalidInput, "--value requires --property")
		}
		return saga.NoCorrelation, nil
	}
	if c.Value == "" {
		return saga.NoCorrelation, NewExitError(ExitCommandError, ErrCodeInvalidInput, "--property requires --value")
	}
	value, err := parseJSONValue(c.Value)
	if err != nil {
		return saga.NoCorrelation, WrapExitError(ExitCommandError, ErrCodeInvalidInput, "invalid --value", err)
	}
	return saga.Correlate(c.Property, value), nil
}

// parseJSONValue decodes a single JSON value. Top-level integers become
// int64; fractional numbers are rejected.
func parseJSONValue(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	if n, ok := v.(json.Number); ok {
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("number %s is not an integer", n)
		}
		return i, nil
	}
	return v, nil
}

// parseData decodes a JSON object for entity state.
func parseData(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	v, err := parseJSONValue(s)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeInvalidInput, "invalid --data", err)
	}
	data, ok := v.(map[string]any)
	if !ok {
		return nil, NewExitError(ExitCommandError, ErrCodeInvalidInput, "--data must be a JSON object")
	}
	return data, nil
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, WrapExitError(ExitCommandError, ErrCodeInvalidInput, "invalid --id", err)
	}
	return id, nil
}

// EntityView is the printed form of a saga entity.
type EntityView struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	ETag     string         `json:"etag"`
	IndexKey string         `json:"index_key,omitempty"`
	Data     map[string]any `json:"data"`
}

func viewOf(e saga.Entity) EntityView {
	v := EntityView{ID: e.ID.String(), Type: e.Type, ETag: e.ETag, Data: e.Data}
	if !e.IndexKey.IsZero() {
		v.IndexKey = e.IndexKey.String()
	}
	return v
}

func (v EntityView) writeText(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", v.Type, v.ID)
	fmt.Fprintf(w, "  etag: %s\n", v.ETag)
	if v.IndexKey != "" {
		fmt.Fprintf(w, "  index key: %s\n", v.IndexKey)
	}
	keys := make([]string, 0, len(v.Data))
	for k := range v.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %v\n", k, v.Data[k])
	}
}
