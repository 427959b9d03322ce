// Package printer writes the values produced by commands in the formats
// selected on the command line.
package printer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Writer writes values of type T. Output may be buffered until Close.
type Writer[T any] interface {
	Write(values ...T) error
	Close() error
}

// New returns a writer for the given format, one of "json", "yaml" or
// "text". The text writer is constructed by calling text.
func New[T any](w io.Writer, format string, text func(io.Writer) Writer[T]) Writer[T] {
	switch format {
	case "json":
		return NewJSONWriter[T](w)
	case "yaml":
		return NewYAMLWriter[T](w)
	default:
		return text(w)
	}
}

func NewJSONWriter[T any](w io.Writer) Writer[T] {
	e := json.NewEncoder(w)
	e.SetEscapeHTML(false)
	e.SetIndent("", "  ")
	return jsonWriter[T]{e}
}

type jsonWriter[T any] struct{ *json.Encoder }

func (w jsonWriter[T]) Write(values ...T) error {
	for i := range values {
		if err := w.Encode(values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (w jsonWriter[T]) Close() error { return nil }

func NewYAMLWriter[T any](w io.Writer) Writer[T] {
	e := yaml.NewEncoder(w)
	e.SetIndent(2)
	return yamlWriter[T]{e}
}

type yamlWriter[T any] struct{ *yaml.Encoder }

func (w yamlWriter[T]) Write(values ...T) error {
	for i := range values {
		if err := w.Encode(values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (w yamlWriter[T]) Close() error {
	err := w.Encoder.Close()
	if err != nil {
		if s := err.Error(); s == `yaml: expected STREAM-START` {
			err = nil
		}
	}
	return err
}

// NewTextWriter returns a writer printing each value with format.
func NewTextWriter[T any](w io.Writer, format string) Writer[T] {
	return &textWriter[T]{output: bufio.NewWriter(w), format: format}
}

type textWriter[T any] struct {
	output *bufio.Writer
	format string
}

func (w *textWriter[T]) Write(values ...T) error {
	for _, v := range values {
		if _, err := fmt.Fprintf(w.output, w.format, v); err != nil {
			return err
		}
	}
	return nil
}

func (w *textWriter[T]) Close() error {
	return w.output.Flush()
}

// NewTableWriter returns a writer aligning values in columns. T must be a
// struct type or a pointer to a struct; the column of each field is named by its "text" tag, or by
// the field name when the tag is missing. Fields tagged "-" are skipped.
func NewTableWriter[T any](w io.Writer) Writer[T] {
	return &tableWriter[T]{output: w}
}

type tableWriter[T any] struct {
	output io.Writer
	values []T
}

func (t *tableWriter[T]) Write(values ...T) error {
	t.values = append(t.values, values...)
	return nil
}

func (t *tableWriter[T]) Close() error {
	tw := tabwriter.NewWriter(t.output, 0, 4, 2, ' ', 0)

	valueOf := func(i int) reflect.Value {
		return reflect.ValueOf(&t.values[i]).Elem()
	}
	valueType := reflect.TypeOf(t.values).Elem()
	if valueType.Kind() == reflect.Pointer {
		valueType = valueType.Elem()
		valueOf = func(i int) reflect.Value {
			return reflect.ValueOf(t.values[i]).Elem()
		}
	}

	var columns []string
	var fields [][]int
	for _, f := range reflect.VisibleFields(valueType) {
		if f.Anonymous || !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, _, _ := strings.Cut(f.Tag.Get("text"), ","); tag != "" {
			name = tag
		}
		if name == "-" {
			continue
		}
		columns = append(columns, name)
		fields = append(fields, f.Index)
	}

	row := make([]string, len(columns))
	writeRow := func(row []string) error {
		_, err := io.WriteString(tw, strings.Join(row, "\t")+"\n")
		return err
	}

	if err := writeRow(columns); err != nil {
		return err
	}
	for i := range t.values {
		v := valueOf(i)
		for j, index := range fields {
			row[j] = fmt.Sprint(v.FieldByIndex(index).Interface())
		}
		if err := writeRow(row); err != nil {
			return err
		}
	}
	return tw.Flush()
}
